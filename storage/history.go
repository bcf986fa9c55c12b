// Package storage keeps a local history of GC cycles: what each cycle found
// and remediated, and how long each leak has been sighted. The history is
// informational; discovery and cleanup never read it.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/reclaim/pkg/leak"
)

// Bucket names in bbolt
var (
	bucketCycles    = []byte("cycles")
	bucketSightings = []byte("sightings")
	bucketMeta      = []byte("meta")

	keyRevision = []byte("current_revision")
)

// PassRecord is one collector's outcome within a cycle.
type PassRecord struct {
	Collector     string            `json:"collector"`
	Discovered    leak.Resources    `json:"discovered,omitempty"`
	Remediated    map[string]string `json:"remediated,omitempty"`
	DiscoverError string            `json:"discover_error,omitempty"`
	CleanupError  string            `json:"cleanup_error,omitempty"`
	Duration      time.Duration     `json:"duration"`
}

// CycleRecord is the persisted summary of one GC cycle.
type CycleRecord struct {
	ID         string       `json:"id"`
	Revision   int64        `json:"revision"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Success    bool         `json:"success"`
	Passes     []PassRecord `json:"passes"`
}

// Sighting tracks a leaked resource across cycles.
type Sighting struct {
	Collector         string            `json:"collector"`
	ResourceID        string            `json:"resource_id"`
	Type              leak.ResourceType `json:"type"`
	FirstSeenRev      int64             `json:"first_seen_rev"`
	LastSeenRev       int64             `json:"last_seen_rev"`
	FirstSeenAt       time.Time         `json:"first_seen_at"`
	LastSeenAt        time.Time         `json:"last_seen_at"`
	TimesSeen         int               `json:"times_seen"`
	LastRemediationID string            `json:"last_remediation_id,omitempty"`
	GoneRev           int64             `json:"gone_rev,omitempty"`
	Present           bool              `json:"present"`
}

func (s *Sighting) key() string {
	return s.Collector + "/" + s.ResourceID
}

// History implements a bbolt-backed cycle log with an in-memory sighting index.
type History struct {
	mu sync.RWMutex

	// In-memory index for fast lookups
	index *btree.BTreeG[*Sighting]

	db         *bbolt.DB
	currentRev int64
}

// OpenHistory opens (or creates) the history database at path.
func OpenHistory(path string) (*History, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketCycles, bucketSightings, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	h := &History{
		index: btree.NewG[*Sighting](32, func(a, b *Sighting) bool {
			return a.key() < b.key()
		}),
		db: db,
	}

	if err := h.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return h, nil
}

// Close closes the storage
func (h *History) Close() error {
	return h.db.Close()
}

// RecordCycle stores rec under the next revision and updates sightings.
// A pass whose discovery failed leaves its previous sightings untouched.
func (h *History) RecordCycle(rec CycleRecord) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rev := h.currentRev + 1
	rec.Revision = rev
	seenAt := rec.FinishedAt
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}

	updated := h.nextSightings(rec, rev, seenAt)

	err := h.db.Update(func(tx *bbolt.Tx) error {
		value, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketCycles).Put(revKey(rev), value); err != nil {
			return err
		}

		sightings := tx.Bucket(bucketSightings)
		for _, s := range updated {
			value, err := json.Marshal(s)
			if err != nil {
				return err
			}
			if err := sightings.Put([]byte(s.key()), value); err != nil {
				return err
			}
		}

		return tx.Bucket(bucketMeta).Put(keyRevision, revKey(rev))
	})
	if err != nil {
		return 0, fmt.Errorf("record cycle %s: %w", rec.ID, err)
	}

	// Index is only touched once the write is durable.
	h.currentRev = rev
	for _, s := range updated {
		h.index.ReplaceOrInsert(s)
	}
	return rev, nil
}

// nextSightings computes the sighting updates for rec without mutating the index.
func (h *History) nextSightings(rec CycleRecord, rev int64, seenAt time.Time) []*Sighting {
	var updated []*Sighting

	for _, pass := range rec.Passes {
		if pass.DiscoverError != "" && len(pass.Discovered) == 0 {
			continue
		}

		for _, r := range pass.Discovered.Sorted() {
			probe := &Sighting{Collector: pass.Collector, ResourceID: r.ID}
			next := &Sighting{
				Collector:    pass.Collector,
				ResourceID:   r.ID,
				Type:         r.Type,
				FirstSeenRev: rev,
				FirstSeenAt:  seenAt,
			}
			if existing, ok := h.index.Get(probe); ok {
				cp := *existing
				next = &cp
				if !next.Present {
					next.GoneRev = 0
				}
			}
			next.LastSeenRev = rev
			next.LastSeenAt = seenAt
			next.TimesSeen++
			next.Present = true
			if id, ok := pass.Remediated[r.ID]; ok {
				next.LastRemediationID = id
			}
			updated = append(updated, next)
		}

		// Anything this collector reported before but not now is gone.
		h.index.Ascend(func(s *Sighting) bool {
			if s.Collector != pass.Collector || !s.Present {
				return true
			}
			if _, still := pass.Discovered[s.ResourceID]; still {
				return true
			}
			cp := *s
			cp.Present = false
			cp.GoneRev = rev
			updated = append(updated, &cp)
			return true
		})
	}
	return updated
}

// Cycles returns up to limit cycle records, newest first. A limit <= 0
// returns all of them.
func (h *History) Cycles(limit int) ([]CycleRecord, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []CycleRecord
	err := h.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketCycles).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec CycleRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode cycle %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Sighting returns the sighting of one resource.
func (h *History) Sighting(collector, resourceID string) (*Sighting, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.index.Get(&Sighting{Collector: collector, ResourceID: resourceID})
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// Persistent returns the resources still present that were seen in at least
// minTimes cycles, most-sighted first.
func (h *History) Persistent(minTimes int) []Sighting {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Sighting
	h.index.Ascend(func(s *Sighting) bool {
		if s.Present && s.TimesSeen >= minTimes {
			out = append(out, *s)
		}
		return true
	})

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TimesSeen > out[j].TimesSeen
	})
	return out
}

// CurrentRevision returns the current revision number
func (h *History) CurrentRevision() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.currentRev
}

// Compact removes all but the newest keep cycle records, and sightings that
// have been gone since before the oldest kept cycle.
func (h *History) Compact(keep int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.currentRev - int64(keep)
	if keep <= 0 || cutoff <= 0 {
		return nil // Nothing to compact
	}

	var dropped []*Sighting
	h.index.Ascend(func(s *Sighting) bool {
		if !s.Present && s.GoneRev <= cutoff {
			dropped = append(dropped, s)
		}
		return true
	})

	err := h.db.Update(func(tx *bbolt.Tx) error {
		cycles := tx.Bucket(bucketCycles)
		c := cycles.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if int64(binary.BigEndian.Uint64(k)) > cutoff {
				break
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, key := range toDelete {
			if err := cycles.Delete(key); err != nil {
				return err
			}
		}

		sightings := tx.Bucket(bucketSightings)
		for _, s := range dropped {
			if err := sightings.Delete([]byte(s.key())); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, s := range dropped {
		h.index.Delete(s)
	}
	return nil
}

// load restores the revision counter and rebuilds the index from disk.
func (h *History) load() error {
	return h.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get(keyRevision); len(data) == 8 {
			h.currentRev = int64(binary.BigEndian.Uint64(data))
		}

		return tx.Bucket(bucketSightings).ForEach(func(k, v []byte) error {
			var s Sighting
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("decode sighting %s: %w", k, err)
			}
			h.index.ReplaceOrInsert(&s)
			return nil
		})
	})
}

// revKey encodes a revision so bbolt's byte order matches numeric order.
func revKey(rev int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(rev))
	return b
}
