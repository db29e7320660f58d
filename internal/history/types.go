package history

import (
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Kush-Singh-26/devserve/internal/metrics"
)

// BuildRecord is one bundler run as kept in the history log.
type BuildRecord struct {
	Seq       uint64        `msgpack:"-"`
	StartedAt time.Time     `msgpack:"started_at"`
	Duration  time.Duration `msgpack:"duration"`
	Trigger   string        `msgpack:"trigger"`
	Outputs   int           `msgpack:"outputs"`
	Bytes     int64         `msgpack:"bytes"`
	Errors    int           `msgpack:"errors"`
	Warnings  int           `msgpack:"warnings"`
	Messages  []string      `msgpack:"-"`
}

// FromMetrics converts a finished rebuild into a record.
func FromMetrics(m *metrics.RebuildMetrics, messages []string) BuildRecord {
	return BuildRecord{
		StartedAt: m.StartTime,
		Duration:  m.TotalDuration(),
		Trigger:   m.Trigger,
		Outputs:   m.Outputs,
		Bytes:     m.Bytes,
		Errors:    m.Errors,
		Warnings:  m.Warnings,
		Messages:  messages,
	}
}

func (r BuildRecord) Failed() bool {
	return r.Errors > 0
}

// CompressionType identifies how the message blob is stored.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionZstd
)

// storedRecord is the on-disk form: the record plus its messages as a
// separately encoded, possibly compressed blob.
type storedRecord struct {
	BuildRecord `msgpack:",inline"`
	Compression CompressionType `msgpack:"compression"`
	Blob        []byte          `msgpack:"blob,omitempty"`
}

// Stats summarises the history log.
type Stats struct {
	Builds      int
	Failures    int
	LastBuild   time.Time
	AvgDuration time.Duration
	Fastest     time.Duration
	Slowest     time.Duration
}

func (s Stats) String() string {
	if s.Builds == 0 {
		return "📜 No builds recorded\n"
	}
	return fmt.Sprintf("📜 %d builds (%d failed), avg %v, fastest %v, slowest %v, last at %s\n",
		s.Builds, s.Failures,
		s.AvgDuration.Round(time.Millisecond),
		s.Fastest.Round(time.Millisecond),
		s.Slowest.Round(time.Millisecond),
		s.LastBuild.Format(time.DateTime),
	)
}

// Encode serializes a value to msgpack bytes
func Encode(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode deserializes msgpack bytes to a value
func Decode(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec() (*codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &codec{encoder: encoder, decoder: decoder}, nil
}

func (c *codec) Close() {
	_ = c.encoder.Close()
	c.decoder.Close()
}

func (c *codec) encode(r BuildRecord) ([]byte, error) {
	stored := storedRecord{BuildRecord: r}
	if len(r.Messages) > 0 {
		blob, err := Encode(r.Messages)
		if err != nil {
			return nil, err
		}
		if len(blob) > CompressThreshold {
			blob = c.encoder.EncodeAll(blob, nil)
			stored.Compression = CompressionZstd
		}
		stored.Blob = blob
	}
	return Encode(&stored)
}

func (c *codec) decode(data []byte) (BuildRecord, error) {
	var stored storedRecord
	if err := Decode(data, &stored); err != nil {
		return BuildRecord{}, err
	}
	r := stored.BuildRecord
	if len(stored.Blob) == 0 {
		return r, nil
	}

	blob := stored.Blob
	if stored.Compression == CompressionZstd {
		var err error
		if blob, err = c.decoder.DecodeAll(blob, nil); err != nil {
			return BuildRecord{}, fmt.Errorf("failed to decompress messages: %w", err)
		}
	}
	if err := Decode(blob, &r.Messages); err != nil {
		return BuildRecord{}, err
	}
	return r, nil
}
