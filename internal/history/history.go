// Package history keeps a persistent log of bundler runs in BoltDB.
package history

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Log is the build history database. Safe for concurrent use.
type Log struct {
	db         *bolt.DB
	codec      *codec
	path       string
	maxRecords int
}

// Open opens or creates <dir>/history.db.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout:      2 * time.Second,
		FreelistType: bolt.FreelistArrayType,
		NoGrowSync:   true,
	}

	path := filepath.Join(dir, DBFile)
	db, err := bolt.Open(path, 0644, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}

	c, err := newCodec()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	l := &Log{db: db, codec: c, path: path, maxRecords: DefaultMaxRecords}
	if err := l.initSchema(); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return l, nil
}

// SetMaxRecords changes how many records are kept. n <= 0 keeps everything.
func (l *Log) SetMaxRecords(n int) {
	l.maxRecords = n
}

func (l *Log) Path() string {
	return l.path
}

func (l *Log) Close() error {
	if l.codec != nil {
		l.codec.Close()
	}
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// initSchema creates all buckets if they don't exist
func (l *Log) initSchema() error {
	return l.db.Update(func(tx *bolt.Tx) error {
		for _, name := range AllBuckets() {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(BucketMeta))
		if meta.Get([]byte(KeySchemaVersion)) == nil {
			v := make([]byte, 4)
			binary.BigEndian.PutUint32(v, SchemaVersion)
			if err := meta.Put([]byte(KeySchemaVersion), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// Record appends r and returns its sequence number. The oldest records are
// pruned once the log exceeds its size limit.
func (l *Log) Record(r BuildRecord) (uint64, error) {
	var seq uint64
	err := l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketBuilds))
		var err error
		if seq, err = bucket.NextSequence(); err != nil {
			return err
		}
		r.Seq = seq
		data, err := l.codec.encode(r)
		if err != nil {
			return fmt.Errorf("failed to encode build record: %w", err)
		}
		if err := bucket.Put(seqKey(seq), data); err != nil {
			return err
		}
		return l.prune(bucket)
	})
	return seq, err
}

func (l *Log) prune(bucket *bolt.Bucket) error {
	if l.maxRecords <= 0 {
		return nil
	}
	c := bucket.Cursor()
	count := 0
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		count++
	}
	excess := count - l.maxRecords
	for k, _ := c.First(); k != nil && excess > 0; k, _ = c.First() {
		if err := c.Delete(); err != nil {
			return err
		}
		excess--
	}
	return nil
}

// Recent returns up to n records, newest first. n <= 0 returns all of them.
func (l *Log) Recent(n int) ([]BuildRecord, error) {
	var out []BuildRecord
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(BucketBuilds)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if n > 0 && len(out) >= n {
				break
			}
			r, err := l.codec.decode(v)
			if err != nil {
				return fmt.Errorf("failed to decode build %x: %w", k, err)
			}
			r.Seq = binary.BigEndian.Uint64(k)
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Stats aggregates every stored record.
func (l *Log) Stats() (Stats, error) {
	var s Stats
	var total time.Duration
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(BucketBuilds)).ForEach(func(k, v []byte) error {
			r, err := l.codec.decode(v)
			if err != nil {
				return err
			}
			s.Builds++
			if r.Failed() {
				s.Failures++
			}
			total += r.Duration
			if s.Builds == 1 || r.Duration < s.Fastest {
				s.Fastest = r.Duration
			}
			if r.Duration > s.Slowest {
				s.Slowest = r.Duration
			}
			if r.StartedAt.After(s.LastBuild) {
				s.LastBuild = r.StartedAt
			}
			return nil
		})
	})
	if s.Builds > 0 {
		s.AvgDuration = total / time.Duration(s.Builds)
	}
	return s, err
}

// Clear deletes every record and resets the sequence.
func (l *Log) Clear() error {
	return l.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(BucketBuilds)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(BucketBuilds))
		return err
	})
}
