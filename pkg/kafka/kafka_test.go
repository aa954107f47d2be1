package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/resolver"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func judgementMessage(t *testing.T, offset int64, left, right, verdict, actor string) kafka.Message {
	t.Helper()
	data, err := json.Marshal(JudgementMessage{
		Left: left, Right: right, Verdict: verdict, Actor: actor,
		Timestamp: time.Date(2024, 1, 1, 0, 0, int(offset), 0, time.UTC),
	})
	require.NoError(t, err)
	return kafka.Message{Topic: "judgements", Offset: offset, Value: data}
}

type failingDecider struct{}

func (failingDecider) Decide(ctx context.Context, j models.Judgement) (bool, error) {
	return false, errors.New("disk full")
}

func TestJudgementConsumer_ProcessMessage(t *testing.T) {
	ctx := context.Background()
	res := resolver.New(resolver.NewMemoryStorage(), testLogger(), resolver.Options{})
	require.NoError(t, res.Load(ctx))

	reader := &fakeReader{}
	var conflicts []models.Judgement
	consumer := NewJudgementConsumerWithReader(reader, "judgements", res, func(ctx context.Context, j models.Judgement, conflict *errors.ConflictError) {
		conflicts = append(conflicts, j)
	}, testLogger())

	for _, msg := range []kafka.Message{
		judgementMessage(t, 1, "1", "2", "no_match", "alice"),
		judgementMessage(t, 2, "1", "2", "match", "system"),
		{Offset: 3, Value: []byte("{not json")},
		judgementMessage(t, 4, "3", "4", "maybe_later", "model"),
		judgementMessage(t, 5, "3", "3", "match", "system"),
		judgementMessage(t, 6, "3", "4", "match", "system"),
	} {
		assert.True(t, consumer.processMessage(ctx, msg))
	}

	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, reader.committed)
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.VerdictMatch, conflicts[0].Verdict)
	assert.NotEqual(t, res.GetCanonical("1"), res.GetCanonical("2"))
	assert.Equal(t, "3", res.GetCanonical("4"))
}

// flakyDecider fails the first failures calls, then forwards to the resolver.
type flakyDecider struct {
	mu       sync.Mutex
	next     Decider
	failures int
	calls    []string
}

func (d *flakyDecider) Decide(ctx context.Context, j models.Judgement) (bool, error) {
	d.mu.Lock()
	d.calls = append(d.calls, j.Left+"-"+j.Right)
	fail := d.failures > 0
	if fail {
		d.failures--
	}
	d.mu.Unlock()
	if fail {
		return false, errors.New("disk full")
	}
	return d.next.Decide(ctx, j)
}

func (d *flakyDecider) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (r *fakeReader) Committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestJudgementConsumer_StorageFailureIsRetriedBeforeLaterMessages(t *testing.T) {
	ctx := context.Background()
	res := resolver.New(resolver.NewMemoryStorage(), testLogger(), resolver.Options{})
	require.NoError(t, res.Load(ctx))

	reader := &fakeReader{messages: []kafka.Message{
		judgementMessage(t, 10, "a", "b", "match", "system"),
		judgementMessage(t, 11, "c", "d", "match", "system"),
	}}
	decider := &flakyDecider{next: res, failures: 2}
	consumer := NewJudgementConsumerWithReader(reader, "judgements", decider, nil, testLogger()).
		WithRetryBackoff(time.Millisecond)
	require.NoError(t, consumer.Start(ctx))

	assert.Eventually(t, func() bool {
		return len(reader.Committed()) == 2
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, consumer.Stop())

	assert.Equal(t, []int64{10, 11}, reader.Committed())
	assert.Equal(t, []string{"a-b", "a-b", "a-b", "c-d"}, decider.Calls())
	assert.Equal(t, "a", res.GetCanonical("b"))
	assert.Equal(t, "c", res.GetCanonical("d"))
}

func TestJudgementConsumer_StorageFailureIsNotCommitted(t *testing.T) {
	reader := &fakeReader{}
	consumer := NewJudgementConsumerWithReader(reader, "judgements", failingDecider{}, nil, testLogger()).
		WithRetryBackoff(time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, consumer.processMessage(ctx, judgementMessage(t, 7, "a", "b", "match", "system")))
	assert.Empty(t, reader.Committed())
}

func TestJudgementConsumer_StartStop(t *testing.T) {
	ctx := context.Background()
	res := resolver.New(resolver.NewMemoryStorage(), testLogger(), resolver.Options{})
	require.NoError(t, res.Load(ctx))

	reader := &fakeReader{messages: []kafka.Message{
		judgementMessage(t, 1, "x", "y", "match", "system"),
	}}
	consumer := NewJudgementConsumerWithReader(reader, "judgements", res, nil, testLogger())
	require.NoError(t, consumer.Start(ctx))

	assert.Eventually(t, func() bool {
		return res.GetCanonical("y") == "x"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, consumer.Stop())
	assert.True(t, reader.closed)
}

type fakeWriter struct {
	messages []kafka.Message
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestProducer_PublishEntityEvents(t *testing.T) {
	writer := &fakeWriter{}
	producer := NewProducerWithWriter(writer, "entities", testLogger())

	entity := models.NewEntity("Person").Add("name", "Jane Doe")
	entity.ID = "p1"
	require.NoError(t, producer.PublishEntityEvents(context.Background(), []*EntityEvent{
		{EventType: EventEntityExported, RunID: "run-1", Dataset: "ds", EntityID: "p1", Schema: "Person", Entity: entity},
		{EventType: EventExportComplete, RunID: "run-1", Dataset: "ds", Count: 1},
	}))

	require.Len(t, writer.messages, 2)
	assert.Equal(t, "p1", string(writer.messages[0].Key))
	assert.Equal(t, "run-1", string(writer.messages[1].Key))

	var decoded EntityEvent
	require.NoError(t, json.Unmarshal(writer.messages[0].Value, &decoded))
	assert.Equal(t, []string{"Jane Doe"}, decoded.Entity.Properties["name"])
	assert.False(t, decoded.Timestamp.IsZero())
}
