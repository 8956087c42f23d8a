// Package journal keeps an append-only history of block events in bbolt.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bbolt "go.etcd.io/bbolt"

	"github.com/haukened/selfblock/internal/block/domain"
)

var bucketEvents = []byte("events")

// Journal implements an event history using bbolt.
type Journal struct {
	db *bbolt.DB
}

// Open opens (or creates) a Bolt database at path and ensures the bucket exists.
func Open(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Append stores ev, assigning an ID when it has none, and returns the stored event.
func (j *Journal) Append(ev domain.BlockEvent) (domain.BlockEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	err := j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), raw)
	})
	if err != nil {
		return domain.BlockEvent{}, fmt.Errorf("append event: %w", err)
	}
	return ev, nil
}

// Recent returns up to limit events, newest first. limit <= 0 returns all.
func (j *Journal) Recent(limit int) ([]domain.BlockEvent, error) {
	var out []domain.BlockEvent
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var ev domain.BlockEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				// skip unreadable rows rather than hide the rest of the history
				continue
			}
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}

// Len returns the number of stored events.
func (j *Journal) Len() int {
	n := 0
	_ = j.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketEvents).Stats().KeyN
		return nil
	})
	return n
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
