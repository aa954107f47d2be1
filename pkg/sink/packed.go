package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"iter"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// Packed statement layout:
//
//	header  "THSTPK" version(1 byte)
//	body    zstd stream of blocks, then a block with zero rows as end marker
//	block   uvarint rows, then one column after another:
//	        id entity_id canonical_id schema prop prop_type value dataset
//	        origin lang (uvarint length + bytes per row), original_value
//	        (presence byte per row, then the present strings), target (byte per
//	        row), seen_at (length-prefixed time.MarshalBinary per row)
//
// A file without the end marker was not closed and is reported as truncated.
const (
	packedMagic   = "THSTPK"
	packedVersion = 1

	DefaultBlockSize = 10_000
	maxBlockRows     = 1 << 24
	maxStringLen     = 1 << 28
)

// ErrTruncated is returned by PackedReader for output that ends before the
// end marker.
var ErrTruncated = errors.New("packed statements are truncated")

var stringColumns = []func(*models.Statement) *string{
	func(s *models.Statement) *string { return &s.ID },
	func(s *models.Statement) *string { return &s.EntityID },
	func(s *models.Statement) *string { return &s.CanonicalID },
	func(s *models.Statement) *string { return &s.Schema },
	func(s *models.Statement) *string { return &s.Prop },
	func(s *models.Statement) *string { return &s.PropType },
	func(s *models.Statement) *string { return &s.Value },
	func(s *models.Statement) *string { return &s.Dataset },
	func(s *models.Statement) *string { return &s.Origin },
	func(s *models.Statement) *string { return &s.Lang },
}

// PackedSink writes statements in the packed columnar format.
type PackedSink struct {
	dest      *Destination
	blockSize int

	enc     *zstd.Encoder
	pending []models.Statement
	scratch bytes.Buffer
}

func NewPackedSink(dest *Destination, blockSize int) *PackedSink {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &PackedSink{dest: dest, blockSize: blockSize}
}

func (s *PackedSink) Name() string {
	return "packed"
}

func (s *PackedSink) open(ctx context.Context) error {
	if s.enc != nil {
		return nil
	}
	w, err := s.dest.Open(ctx)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, packedMagic); err != nil {
		return err
	}
	if _, err := w.Write([]byte{packedVersion}); err != nil {
		return err
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return errors.Wrap(err, "failed to create zstd encoder")
	}
	s.enc = enc
	return nil
}

func (s *PackedSink) WriteStatement(ctx context.Context, stmt models.Statement) error {
	if err := s.open(ctx); err != nil {
		return err
	}
	s.pending = append(s.pending, stmt)
	if len(s.pending) >= s.blockSize {
		return s.flushBlock()
	}
	return nil
}

func (s *PackedSink) flushBlock() error {
	if len(s.pending) == 0 {
		return nil
	}
	s.scratch.Reset()
	encodeBlock(&s.scratch, s.pending)
	if _, err := s.enc.Write(s.scratch.Bytes()); err != nil {
		return errors.Wrap(err, "failed to write packed block")
	}
	metrics.SinkRecordsWritten.WithLabelValues(s.Name()).Add(float64(len(s.pending)))
	s.pending = s.pending[:0]
	return nil
}

func (s *PackedSink) Close(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "sink.PackedSink.Close")
	defer span.End()

	if err := s.open(ctx); err != nil {
		return err
	}
	err := s.flushBlock()
	if err == nil {
		_, err = s.enc.Write(binary.AppendUvarint(nil, 0))
	}
	if closeErr := s.enc.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.dest.Discard(ctx)
		return err
	}
	return s.dest.Commit(ctx)
}

func (s *PackedSink) Abort(ctx context.Context) error {
	metrics.SinkFailures.WithLabelValues(s.Name()).Inc()
	if s.enc != nil {
		_ = s.enc.Close()
	}
	return s.dest.Discard(ctx)
}

func encodeBlock(buf *bytes.Buffer, stmts []models.Statement) {
	var tmp []byte
	putString := func(v string) {
		tmp = binary.AppendUvarint(tmp[:0], uint64(len(v)))
		buf.Write(tmp)
		buf.WriteString(v)
	}

	tmp = binary.AppendUvarint(tmp[:0], uint64(len(stmts)))
	buf.Write(tmp)
	for _, column := range stringColumns {
		for i := range stmts {
			putString(*column(&stmts[i]))
		}
	}
	for _, stmt := range stmts {
		if stmt.OriginalValue != nil {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}
	for _, stmt := range stmts {
		if stmt.OriginalValue != nil {
			putString(*stmt.OriginalValue)
		}
	}
	for _, stmt := range stmts {
		if stmt.Target {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}
	for _, stmt := range stmts {
		// MarshalBinary only fails for zone offsets that are not whole minutes
		seen, _ := stmt.SeenAt.MarshalBinary()
		putString(string(seen))
	}
}

// PackedReader decodes the packed columnar format.
type PackedReader struct {
	dec *zstd.Decoder
	r   *bufio.Reader
}

func NewPackedReader(r io.Reader) (*PackedReader, error) {
	header := make([]byte, len(packedMagic)+1)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(ErrTruncated, "missing header")
	}
	if string(header[:len(packedMagic)]) != packedMagic {
		return nil, errors.New("not a packed statement file")
	}
	if header[len(packedMagic)] != packedVersion {
		return nil, errors.Errorf("unsupported packed version %d", header[len(packedMagic)])
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create zstd decoder")
	}
	return &PackedReader{dec: dec, r: bufio.NewReader(dec)}, nil
}

// Statements yields every statement in file order. It fails with
// ErrTruncated when the end marker is missing.
func (p *PackedReader) Statements() iter.Seq2[models.Statement, error] {
	return func(yield func(models.Statement, error) bool) {
		for {
			block, err := p.readBlock()
			if err != nil {
				yield(models.Statement{}, err)
				return
			}
			if block == nil {
				return
			}
			for _, stmt := range block {
				if !yield(stmt, nil) {
					return
				}
			}
		}
	}
}

func (p *PackedReader) Close() {
	p.dec.Close()
}

// readBlock returns nil at the end marker.
func (p *PackedReader) readBlock() ([]models.Statement, error) {
	rows, err := binary.ReadUvarint(p.r)
	if err != nil {
		return nil, truncated(err)
	}
	if rows == 0 {
		return nil, nil
	}
	if rows > maxBlockRows {
		return nil, errors.Errorf("packed block of %d rows exceeds limit", rows)
	}
	stmts := make([]models.Statement, rows)
	for _, column := range stringColumns {
		for i := range stmts {
			v, err := p.readString()
			if err != nil {
				return nil, err
			}
			*column(&stmts[i]) = v
		}
	}
	present := make([]byte, rows)
	if _, err := io.ReadFull(p.r, present); err != nil {
		return nil, truncated(err)
	}
	for i, flag := range present {
		if flag == 0 {
			continue
		}
		v, err := p.readString()
		if err != nil {
			return nil, err
		}
		stmts[i].OriginalValue = &v
	}
	targets := make([]byte, rows)
	if _, err := io.ReadFull(p.r, targets); err != nil {
		return nil, truncated(err)
	}
	for i, flag := range targets {
		stmts[i].Target = flag == 1
	}
	for i := range stmts {
		raw, err := p.readString()
		if err != nil {
			return nil, err
		}
		var seen time.Time
		if err := seen.UnmarshalBinary([]byte(raw)); err != nil {
			return nil, errors.Wrap(err, "invalid seen_at")
		}
		stmts[i].SeenAt = seen
	}
	return stmts, nil
}

func (p *PackedReader) readString() (string, error) {
	n, err := binary.ReadUvarint(p.r)
	if err != nil {
		return "", truncated(err)
	}
	if n > maxStringLen {
		return "", errors.Errorf("packed string of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return "", truncated(err)
	}
	return string(buf), nil
}

func truncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrTruncated
	}
	return err
}
