// Package catalog is the persistent record of every discovered instance.
// Rows live in bbolt; an in-memory btree orders them by
// (namespace, provider, instance id) for range scans.
package catalog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/pcw/pkg/resource"
)

var bucketInstances = []byte("instances")

// ErrNotFound is returned for an unknown row id.
var ErrNotFound = errors.New("instance not found")

// Row is one tracked instance.
type Row struct {
	ID            uint64            `json:"id"`
	Provider      resource.Kind     `json:"provider"`
	InstanceID    string            `json:"instance_id"`
	Namespace     string            `json:"namespace"`
	Region        string            `json:"region"`
	Type          string            `json:"type,omitempty"`
	State         State             `json:"state"`
	Active        bool              `json:"active"`
	Ignore        bool              `json:"ignore"`
	Notified      bool              `json:"notified"`
	FirstSeen     time.Time         `json:"first_seen"`
	LastSeen      time.Time         `json:"last_seen"`
	Age           time.Duration     `json:"age"`
	TTL           time.Duration     `json:"ttl"`
	DeletingSince *time.Time        `json:"deleting_since,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// TTLExpired holds when the age strictly exceeds the ttl.
func (r Row) TTLExpired() bool {
	return r.Age > r.TTL
}

// Job returns the openQA server and job id tags when both are present.
func (r Row) Job() (server, jobID string, ok bool) {
	server, hasServer := r.Tags[resource.TagServer]
	jobID, hasJob := r.Tags[resource.TagJobID]
	return server, jobID, hasServer && hasJob
}

type indexEntry struct {
	key string
	id  uint64
}

func identityKey(namespace string, kind resource.Kind, instanceID string) string {
	return namespace + "\x00" + string(kind) + "\x00" + instanceID
}

// Catalog stores rows. Every mutation of a row is one bbolt transaction.
type Catalog struct {
	mu    sync.RWMutex
	db    *bbolt.DB
	index *btree.BTreeG[indexEntry]
	now   func() time.Time
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) { c.now = now }
}

// Open opens or creates the catalog file and loads the index.
func Open(path string, opts ...Option) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketInstances)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init catalog: %w", err)
	}

	c := &Catalog{
		db: db,
		index: btree.NewG[indexEntry](32, func(a, b indexEntry) bool {
			return a.key < b.key
		}),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.rebuildIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) rebuildIndex() error {
	return c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(k, v []byte) error {
			var row Row
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("decode row %x: %w", k, err)
			}
			c.index.ReplaceOrInsert(indexEntry{key: identityKey(row.Namespace, row.Provider, row.InstanceID), id: row.ID})
			return nil
		})
	})
}

func idKey(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func getRow(b *bbolt.Bucket, id uint64) (Row, error) {
	v := b.Get(idKey(id))
	if v == nil {
		return Row{}, ErrNotFound
	}
	var row Row
	if err := json.Unmarshal(v, &row); err != nil {
		return Row{}, fmt.Errorf("decode row %d: %w", id, err)
	}
	return row, nil
}

func putRow(b *bbolt.Bucket, row Row) error {
	v, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode row %d: %w", row.ID, err)
	}
	return b.Put(idKey(row.ID), v)
}

// ids returns the row ids of one namespace, optionally narrowed to a
// provider, in identity order. Callers hold c.mu.
func (c *Catalog) ids(namespace string, kind resource.Kind) []uint64 {
	prefix := namespace + "\x00"
	if kind != "" {
		prefix += string(kind) + "\x00"
	}
	var out []uint64
	c.index.AscendGreaterOrEqual(indexEntry{key: prefix}, func(e indexEntry) bool {
		if len(e.key) < len(prefix) || e.key[:len(prefix)] != prefix {
			return false
		}
		out = append(out, e.id)
		return true
	})
	return out
}

// Upsert records a discovered instance. A new row starts ACTIVE; a DELETED
// row is revived with a fresh first_seen. Instances flagged Vanished are not
// marked alive.
func (c *Catalog) Upsert(namespace string, kind resource.Kind, inst resource.Instance, defaultTTL time.Duration) (Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := identityKey(namespace, kind, inst.ID)
	var row Row
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketInstances)

		entry, found := c.index.Get(indexEntry{key: key})
		if found {
			var err error
			if row, err = getRow(b, entry.id); err != nil {
				return err
			}
			if row.State == StateDeleted {
				row.FirstSeen = inst.CreatedAt.UTC()
				row.Notified = false
			}
			row.Region = inst.Region
		} else {
			id, err := b.NextSequence()
			if err != nil {
				return err
			}
			row = Row{
				ID:         id,
				Provider:   kind,
				InstanceID: inst.ID,
				Namespace:  namespace,
				Region:     inst.Region,
				State:      StateUnknown,
				FirstSeen:  inst.CreatedAt.UTC(),
				LastSeen:   inst.CreatedAt.UTC(),
			}
			if row.State, err = transition(row.State, eventDiscover); err != nil {
				return err
			}
		}

		row.Tags = inst.Tags
		row.TTL = inst.TTL(defaultTTL)
		row.Ignore = inst.Ignored()
		if inst.Type != "" {
			row.Type = inst.Type
		}
		if !inst.Vanished {
			c.setAlive(&row)
		}
		return putRow(b, row)
	})
	if err != nil {
		return Row{}, fmt.Errorf("upsert %s/%s: %w", kind, inst.ID, err)
	}
	c.index.ReplaceOrInsert(indexEntry{key: key, id: row.ID})
	return row, nil
}

func (c *Catalog) setAlive(row *Row) {
	row.LastSeen = c.now().UTC()
	if row.FirstSeen.After(row.LastSeen) {
		row.FirstSeen = row.LastSeen
	}
	row.Active = true
	row.Age = row.LastSeen.Sub(row.FirstSeen)
	if next, err := transition(row.State, eventDiscover); err == nil {
		row.State = next
	}
}

// mutate applies fn to every row of (namespace, kind) in one transaction
// and returns the rows fn changed.
func (c *Catalog) mutate(namespace string, kind resource.Kind, fn func(*Row) bool) ([]Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := c.ids(namespace, kind)
	var changed []Row
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		for _, id := range ids {
			row, err := getRow(b, id)
			if err != nil {
				return err
			}
			if !fn(&row) {
				continue
			}
			if err := putRow(b, row); err != nil {
				return err
			}
			changed = append(changed, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// MarkAllInactive clears the active flag of every row of a provider.
func (c *Catalog) MarkAllInactive(namespace string, kind resource.Kind) (int, error) {
	rows, err := c.mutate(namespace, kind, func(r *Row) bool {
		if !r.Active {
			return false
		}
		r.Active = false
		return true
	})
	return len(rows), err
}

// MarkDeleted moves every inactive row of a provider to DELETED.
func (c *Catalog) MarkDeleted(namespace string, kind resource.Kind) (int, error) {
	rows, err := c.mutate(namespace, kind, func(r *Row) bool {
		if r.Active || !r.State.can(eventVanish) {
			return false
		}
		next, err := transition(r.State, eventVanish)
		if err != nil {
			return false
		}
		r.State = next
		return true
	})
	return len(rows), err
}

// ResetStaleDeleting returns DELETING rows to ACTIVE when their deletion
// started more than after ago or has no start time.
func (c *Catalog) ResetStaleDeleting(namespace string, after time.Duration) ([]Row, error) {
	now := c.now().UTC()
	rows, err := c.mutate(namespace, "", func(r *Row) bool {
		if r.State != StateDeleting {
			return false
		}
		if r.DeletingSince != nil && now.Sub(*r.DeletingSince) <= after {
			return false
		}
		next, err := transition(r.State, eventReset)
		if err != nil {
			return false
		}
		r.State, r.DeletingSince = next, nil
		return true
	})
	for _, r := range rows {
		log.Info().
			Str("namespace", r.Namespace).
			Str("provider", string(r.Provider)).
			Str("instance_id", r.InstanceID).
			Msg("reset stale deleting instance")
	}
	return rows, err
}

// MarkDeleting records that the deletion of a row was requested.
func (c *Catalog) MarkDeleting(id uint64) (Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var row Row
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		var err error
		if row, err = getRow(b, id); err != nil {
			return err
		}
		if row.State, err = transition(row.State, eventDelete); err != nil {
			return fmt.Errorf("%s -> deleting: %w", row.State, err)
		}
		since := c.now().UTC()
		row.DeletingSince = &since
		return putRow(b, row)
	})
	if err != nil {
		return Row{}, fmt.Errorf("mark %d deleting: %w", id, err)
	}
	return row, nil
}

// MarkNotified sets the notified flag on the given rows.
func (c *Catalog) MarkNotified(ids ...uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		for _, id := range ids {
			row, err := getRow(b, id)
			if err != nil {
				return err
			}
			row.Notified = true
			if err := putRow(b, row); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns a row by id.
func (c *Catalog) Get(id uint64) (Row, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var row Row
	err := c.db.View(func(tx *bbolt.Tx) error {
		var err error
		row, err = getRow(tx.Bucket(bucketInstances), id)
		return err
	})
	return row, err
}

// Filter selects rows in List. Zero fields match everything.
type Filter struct {
	Namespace  string
	Provider   resource.Kind
	State      State
	ActiveOnly bool
}

func (f Filter) match(r Row) bool {
	switch {
	case f.Namespace != "" && r.Namespace != f.Namespace:
		return false
	case f.Provider != "" && r.Provider != f.Provider:
		return false
	case f.State != "" && r.State != f.State:
		return false
	case f.ActiveOnly && !r.Active:
		return false
	}
	return true
}

// List returns the matching rows ordered by namespace, provider and
// instance id.
func (c *Catalog) List(f Filter) ([]Row, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ids []uint64
	if f.Namespace != "" {
		ids = c.ids(f.Namespace, f.Provider)
	} else {
		c.index.Ascend(func(e indexEntry) bool {
			ids = append(ids, e.id)
			return true
		})
	}

	rows := []Row{}
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		for _, id := range ids {
			row, err := getRow(b, id)
			if err != nil {
				return err
			}
			if f.match(row) {
				rows = append(rows, row)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Overdue returns the active rows of a namespace older than age that were
// not notified yet.
func (c *Catalog) Overdue(namespace string, age time.Duration) ([]Row, error) {
	rows, err := c.List(Filter{Namespace: namespace, State: StateActive, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	var out []Row
	for _, r := range rows {
		if !r.Notified && !r.Ignore && r.Age > age {
			out = append(out, r)
		}
	}
	return out, nil
}
