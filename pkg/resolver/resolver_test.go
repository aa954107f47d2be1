package resolver

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/models"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r := New(NewMemoryStorage(), testLogger(), Options{})
	require.NoError(t, r.Load(context.Background()))
	return r
}

func judge(a, b string, v models.Verdict, actor string, at time.Duration) models.Judgement {
	return models.Judgement{Left: a, Right: b, Verdict: v, Actor: actor, Timestamp: t0.Add(at)}
}

func TestResolver_GetCanonical(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(t)

	assert.Equal(t, "unseen", r.GetCanonical("unseen"))
	assert.Equal(t, []string{"unseen"}, r.Connected("unseen"))

	applied, err := r.Decide(ctx, judge("c", "b", models.VerdictMatch, "system", 0))
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = r.Decide(ctx, judge("b", "a", models.VerdictMatch, "system", time.Second))
	require.NoError(t, err)
	assert.True(t, applied)

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, "a", r.GetCanonical(id))
	}
	assert.Equal(t, []string{"a", "b", "c"}, r.Connected("c"))
}

func TestResolver_MergeScenario(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(t)

	applied, err := r.Decide(ctx, judge("1", "2", models.VerdictMatch, "system", 0))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "1", r.GetCanonical("2"))
	assert.Equal(t, []string{"1", "2"}, r.Connected("1"))
}

func TestResolver_HumanNoMatchBlocksSystemMatch(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(t)

	applied, err := r.Decide(ctx, judge("1", "2", models.VerdictNoMatch, "human", 0))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = r.Decide(ctx, judge("1", "2", models.VerdictMatch, "system", time.Hour))
	require.Error(t, err)
	assert.False(t, applied)
	assert.True(t, errors.IsConflictError(err))

	var conflict *errors.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, [2]string{"1", "2"}, conflict.Blocking)

	assert.NotEqual(t, r.GetCanonical("1"), r.GetCanonical("2"))
	j, ok := r.GetJudgement("2", "1")
	require.True(t, ok)
	assert.Equal(t, models.VerdictNoMatch, j.Verdict)
}

func TestResolver_NoMatchRetraction(t *testing.T) {
	ctx := context.Background()

	t.Run("later authorized actor can retract", func(t *testing.T) {
		r := newTestResolver(t)
		_, err := r.Decide(ctx, judge("1", "2", models.VerdictNoMatch, "alice", 0))
		require.NoError(t, err)

		applied, err := r.Decide(ctx, judge("1", "2", models.VerdictMatch, "bob", time.Hour))
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, r.GetCanonical("1"), r.GetCanonical("2"))
	})

	t.Run("authorized actor with an older timestamp cannot", func(t *testing.T) {
		r := newTestResolver(t)
		_, err := r.Decide(ctx, judge("1", "2", models.VerdictNoMatch, "alice", time.Hour))
		require.NoError(t, err)

		applied, err := r.Decide(ctx, judge("1", "2", models.VerdictMatch, "bob", time.Minute))
		require.NoError(t, err)
		assert.False(t, applied)
		assert.NotEqual(t, r.GetCanonical("1"), r.GetCanonical("2"))
	})

	t.Run("automated unsure is ignored", func(t *testing.T) {
		r := newTestResolver(t)
		_, err := r.Decide(ctx, judge("1", "2", models.VerdictNoMatch, "alice", 0))
		require.NoError(t, err)

		applied, err := r.Decide(ctx, judge("1", "2", models.VerdictUnsure, "system", time.Hour))
		require.NoError(t, err)
		assert.False(t, applied)
		j, _ := r.GetJudgement("1", "2")
		assert.Equal(t, models.VerdictNoMatch, j.Verdict)
	})
}

func TestResolver_TransitiveNoMatch(t *testing.T) {
	ctx := context.Background()

	t.Run("match across clusters with a no_match is rejected", func(t *testing.T) {
		r := newTestResolver(t)
		steps := []models.Judgement{
			judge("a", "b", models.VerdictMatch, "system", 0),
			judge("c", "d", models.VerdictMatch, "system", 1),
			judge("b", "d", models.VerdictNoMatch, "alice", 2),
		}
		for _, j := range steps {
			_, err := r.Decide(ctx, j)
			require.NoError(t, err)
		}

		_, err := r.Decide(ctx, judge("a", "c", models.VerdictMatch, "alice", 3))
		require.Error(t, err)
		var conflict *errors.ConflictError
		require.True(t, errors.As(err, &conflict))
		assert.ElementsMatch(t, []string{"b", "d"}, conflict.Blocking[:])
		assert.Equal(t, "a", r.GetCanonical("b"))
		assert.Equal(t, "c", r.GetCanonical("d"))
	})

	t.Run("no_match inside a cluster held together by other matches is rejected", func(t *testing.T) {
		r := newTestResolver(t)
		for _, j := range []models.Judgement{
			judge("a", "b", models.VerdictMatch, "system", 0),
			judge("b", "c", models.VerdictMatch, "system", 1),
		} {
			_, err := r.Decide(ctx, j)
			require.NoError(t, err)
		}

		_, err := r.Decide(ctx, judge("a", "c", models.VerdictNoMatch, "alice", 2))
		require.Error(t, err)
		assert.True(t, errors.IsConflictError(err))
		assert.Equal(t, "a", r.GetCanonical("c"))
	})

	t.Run("no_match over a direct match splits the cluster", func(t *testing.T) {
		r := newTestResolver(t)
		for _, j := range []models.Judgement{
			judge("a", "b", models.VerdictMatch, "system", 0),
			judge("b", "c", models.VerdictMatch, "system", 1),
		} {
			_, err := r.Decide(ctx, j)
			require.NoError(t, err)
		}

		applied, err := r.Decide(ctx, judge("b", "c", models.VerdictNoMatch, "alice", 2))
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, []string{"a", "b"}, r.Connected("a"))
		assert.Equal(t, "c", r.GetCanonical("c"))
	})
}

func TestResolver_Idempotent(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(t)

	j := judge("x", "y", models.VerdictMatch, "system", 0)
	applied, err := r.Decide(ctx, j)
	require.NoError(t, err)
	assert.True(t, applied)
	before := r.Canonicals()

	applied, err = r.Decide(ctx, j)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, before, r.Canonicals())
	assert.Len(t, r.Judgements(), 1)
}

func TestResolver_StaleJudgementIgnored(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(t)

	_, err := r.Decide(ctx, judge("x", "y", models.VerdictMatch, "system", time.Hour))
	require.NoError(t, err)
	applied, err := r.Decide(ctx, judge("x", "y", models.VerdictUnsure, "alice", 0))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, "x", r.GetCanonical("y"))
}

func TestResolver_InvalidJudgements(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(t)

	tests := []models.Judgement{
		judge("a", "a", models.VerdictMatch, "system", 0),
		judge("", "a", models.VerdictMatch, "system", 0),
		judge("a", "b", models.VerdictMatch, "", 0),
		judge("a", "b", models.Verdict("perhaps"), "system", 0),
	}
	for i, j := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			_, err := r.Decide(ctx, j)
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err))
		})
	}
}

func TestResolver_Explode(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(t)
	for _, j := range []models.Judgement{
		judge("a", "b", models.VerdictMatch, "system", 0),
		judge("b", "c", models.VerdictMatch, "system", 1),
	} {
		_, err := r.Decide(ctx, j)
		require.NoError(t, err)
	}

	removed, err := r.Explode(ctx, "c", "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, []string{id}, r.Connected(id))
	}
}

// noMatchHolds checks that no pair currently judged no_match shares a cluster.
func noMatchHolds(t *testing.T, r *Resolver) {
	t.Helper()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for pair, j := range r.latest {
		if j.Verdict != models.VerdictNoMatch {
			continue
		}
		require.NotEqual(t, r.uf.canonical(pair.A), r.uf.canonical(pair.B), "no_match violated for %s", pair)
	}
}

func randomJudgements(rng *rand.Rand, n, ids int) []models.Judgement {
	verdicts := []models.Verdict{models.VerdictMatch, models.VerdictMatch, models.VerdictNoMatch, models.VerdictUnsure}
	actors := []string{"system", "alice"}
	out := make([]models.Judgement, 0, n)
	for len(out) < n {
		a := fmt.Sprintf("e%02d", rng.Intn(ids))
		b := fmt.Sprintf("e%02d", rng.Intn(ids))
		if a == b {
			continue
		}
		out = append(out, models.Judgement{
			Left:      a,
			Right:     b,
			Verdict:   verdicts[rng.Intn(len(verdicts))],
			Actor:     actors[rng.Intn(len(actors))],
			Timestamp: t0.Add(time.Duration(rng.Intn(1000)) * time.Second),
		})
	}
	return out
}

func TestResolver_NoMatchNeverViolated(t *testing.T) {
	ctx := context.Background()
	for seed := int64(1); seed <= 50; seed++ {
		rng := rand.New(rand.NewSource(seed))
		judgements := randomJudgements(rng, 60, 12)

		for perm := 0; perm < 4; perm++ {
			rng.Shuffle(len(judgements), func(i, k int) { judgements[i], judgements[k] = judgements[k], judgements[i] })
			r := newTestResolver(t)
			for _, j := range judgements {
				_, err := r.Decide(ctx, j)
				if err != nil {
					require.True(t, errors.IsConflictError(err), "seed %d: %v", seed, err)
				}
				noMatchHolds(t, r)
			}
		}
	}
}

func TestResolver_ReplayIsDeterministic(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	storage := NewMemoryStorage()
	r := New(storage, testLogger(), Options{})
	require.NoError(t, r.Load(ctx))

	for _, j := range randomJudgements(rng, 80, 15) {
		_, _ = r.Decide(ctx, j)
	}
	want := r.Canonicals()

	replayed := New(storage, testLogger(), Options{})
	require.NoError(t, replayed.Load(ctx))
	assert.Equal(t, want, replayed.Canonicals())
	assert.Equal(t, r.Judgements(), replayed.Judgements())
}

func TestResolver_LoadSkipsUnknownVerdicts(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	storage.AppendRaw("a", "b", "match", "system", t0)
	storage.AppendRaw("b", "c", "probably_match", "model-v9", t0.Add(time.Second))

	r := New(storage, testLogger(), Options{})
	require.NoError(t, r.Load(ctx))
	assert.Equal(t, []string{"a", "b"}, r.Connected("b"))
	assert.Equal(t, "c", r.GetCanonical("c"))
}

func TestResolver_LoadFailsOnMalformedHistory(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	storage.AppendRaw("a", "b", "match", "system", t0)
	storage.AppendRaw("a", "a", "no_match", "alice", t0.Add(time.Second))

	r := New(storage, testLogger(), Options{})
	err := r.Load(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inconsistent at record 2")
	assert.Equal(t, "b", r.GetCanonical("b"))
}

func TestResolver_ReplayIgnoresActorConfiguration(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	r := New(storage, testLogger(), Options{AutomatedActors: []string{"system"}})
	require.NoError(t, r.Load(ctx))

	_, err := r.Decide(ctx, judge("1", "2", models.VerdictNoMatch, "bob", 0))
	require.NoError(t, err)
	applied, err := r.Decide(ctx, judge("1", "2", models.VerdictMatch, "matcher-v2", time.Hour))
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, "1", r.GetCanonical("2"))

	// matcher-v2 is reclassified as automated after its retraction was applied
	reloaded := New(storage, testLogger(), Options{AutomatedActors: []string{"system", "matcher-v2"}})
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, r.Canonicals(), reloaded.Canonicals())
	assert.Equal(t, "1", reloaded.GetCanonical("2"))

	j, ok := reloaded.GetJudgement("1", "2")
	require.True(t, ok)
	assert.Equal(t, models.VerdictMatch, j.Verdict)

	// the new configuration still applies to judgements decided from now on
	_, err = reloaded.Decide(ctx, judge("1", "2", models.VerdictNoMatch, "carol", 2*time.Hour))
	require.NoError(t, err)
	_, err = reloaded.Decide(ctx, judge("1", "2", models.VerdictMatch, "matcher-v2", 3*time.Hour))
	assert.True(t, errors.IsConflictError(err))
}

func TestResolver_BoltPersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "resolver.db")

	storage, err := OpenBoltStorage(path, time.Second)
	require.NoError(t, err)
	r := New(storage, testLogger(), Options{})
	require.NoError(t, r.Load(ctx))
	_, err = r.Decide(ctx, judge("1", "2", models.VerdictMatch, "system", 0))
	require.NoError(t, err)
	_, err = r.Decide(ctx, judge("3", "2", models.VerdictNoMatch, "alice", time.Second))
	require.NoError(t, err)
	require.NoError(t, r.Close(ctx))

	storage, err = OpenBoltStorage(path, time.Second)
	require.NoError(t, err)
	defer storage.Close()

	index, err := storage.LoadIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": "1", "2": "1", "3": "3"}, index)

	reopened := New(storage, testLogger(), Options{})
	require.NoError(t, reopened.Load(ctx))
	assert.Equal(t, "1", reopened.GetCanonical("2"))
	j, ok := reopened.GetJudgement("2", "3")
	require.True(t, ok)
	assert.Equal(t, models.VerdictNoMatch, j.Verdict)
	assert.Equal(t, "alice", j.Actor)
}

func TestResolver_ConcurrentReadersAndWriter(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, _ = r.Decide(ctx, judge(fmt.Sprintf("n%d", i), fmt.Sprintf("n%d", i+1), models.VerdictMatch, "system", time.Duration(i)))
		}
	}()
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = r.GetCanonical(fmt.Sprintf("n%d", i))
				_ = r.Connected(fmt.Sprintf("n%d", i))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, "n0", r.GetCanonical("n200"))
}
