package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/ristretto"

	"github.com/mnemon/mnemon/pkg/backend"
	"github.com/mnemon/mnemon/pkg/memory"
)

// Key layout. Association ids are uuids, so ':' never appears inside a
// segment.
const (
	memPrefix      = "mem:"
	assocPrefix    = "assoc:"
	assocRevPrefix = "assocrev:"
	expPrefix      = "exp:"
	expMemPrefix   = "expmem:"
)

// BadgerConfig holds configuration for the badger store.
type BadgerConfig struct {
	Path              string
	SyncWrites        bool
	ValueLogFileSize  int64
	NumVersionsToKeep int

	// CacheSize is the ristretto read cache capacity in entries. Zero
	// disables the cache.
	CacheSize int64
}

// BadgerStore is the persistent MetadataStore. All mutations serialize
// through a single writer; readers never block.
type BadgerStore struct {
	db    *badger.DB
	cache *ristretto.Cache

	// writeMu enforces one exclusive update transaction at a time.
	writeMu sync.Mutex
}

// NewBadgerStore opens (or creates) a badger-backed store at cfg.Path.
func NewBadgerStore(cfg *BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}
	if cfg.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = cfg.NumVersionsToKeep
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrStorageUnavailable, err)
	}

	var cache *ristretto.Cache
	if cfg.CacheSize > 0 {
		cache, err = ristretto.NewCache(&ristretto.Config{
			NumCounters: cfg.CacheSize * 10,
			MaxCost:     cfg.CacheSize,
			BufferItems: 64,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("store: cache init: %w", err)
		}
	}

	return &BadgerStore{db: db, cache: cache}, nil
}

func memKey(id string) []byte {
	return []byte(memPrefix + id)
}

func assocKey(a *memory.Association) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s", assocPrefix, a.SourceID, a.TargetID, a.Relation))
}

func assocRevKey(a *memory.Association) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s", assocRevPrefix, a.TargetID, a.SourceID, a.Relation))
}

func expKey(id string) []byte {
	return []byte(expPrefix + id)
}

func expMemKey(expID, memID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", expMemPrefix, expID, memID))
}

// update runs fn under the single-writer lock.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Update(fn)
}

func (s *BadgerStore) cacheSet(m *memory.Memory) {
	if s.cache != nil {
		s.cache.Set(m.ID, m.Clone(), 1)
	}
}

func (s *BadgerStore) cacheDel(id string) {
	if s.cache != nil {
		s.cache.Del(id)
	}
}

// Save inserts a new memory.
func (s *BadgerStore) Save(ctx context.Context, m *memory.Memory) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := prepareForSave(m, time.Now()); err != nil {
		return err
	}

	err := s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(memKey(m.ID)); err == nil {
			return fmt.Errorf("%w: %s", memory.ErrDuplicate, m.ID)
		} else if err != badger.ErrKeyNotFound {
			return backend.WrapError(backend.KindOperation, "save", err)
		}
		data, err := json.Marshal(m)
		if err != nil {
			return backend.WrapError(backend.KindValidation, "save", err)
		}
		return txn.Set(memKey(m.ID), data)
	})
	if err != nil {
		return err
	}
	s.cacheSet(m)
	return nil
}

// Load returns a memory by id, nil when unknown.
func (s *BadgerStore) Load(ctx context.Context, id string) (*memory.Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if v, ok := s.cache.Get(id); ok {
			if m, ok := v.(*memory.Memory); ok {
				return m.Clone(), nil
			}
		}
	}

	var m memory.Memory
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(memKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, backend.WrapError(backend.KindOperation, "load", err)
	}
	s.cacheSet(&m)
	return &m, nil
}

// loadInTxn reads a memory row inside an open transaction.
func loadInTxn(txn *badger.Txn, id string) (*memory.Memory, error) {
	item, err := txn.Get(memKey(id))
	if err != nil {
		return nil, err
	}
	var m memory.Memory
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &m)
	}); err != nil {
		return nil, err
	}
	return &m, nil
}

// Update replaces the mutable fields of an existing memory.
func (s *BadgerStore) Update(ctx context.Context, m *memory.Memory) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return err
	}

	err := s.update(func(txn *badger.Txn) error {
		existing, err := loadInTxn(txn, m.ID)
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", memory.ErrNotFound, m.ID)
		}
		if err != nil {
			return backend.WrapError(backend.KindOperation, "update", err)
		}

		updated := m.Clone()
		updated.CreatedAt = existing.CreatedAt
		updated.UpdatedAt = time.Now()
		if updated.AccessCount < existing.AccessCount {
			updated.AccessCount = existing.AccessCount
		}
		if updated.LastAccessedAt.Before(existing.LastAccessedAt) {
			updated.LastAccessedAt = existing.LastAccessedAt
		}

		data, err := json.Marshal(updated)
		if err != nil {
			return backend.WrapError(backend.KindValidation, "update", err)
		}
		return txn.Set(memKey(m.ID), data)
	})
	if err != nil {
		return err
	}
	// Invalidate rather than overwrite: ristretto sets are buffered, and a
	// stale row must never win over the just-committed one.
	s.cacheDel(m.ID)
	return nil
}

// Forget soft-deletes a memory. Idempotent; unknown ids are a no-op.
func (s *BadgerStore) Forget(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.update(func(txn *badger.Txn) error {
		m, err := loadInTxn(txn, id)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return backend.WrapError(backend.KindOperation, "forget", err)
		}
		if m.Forgotten {
			return nil
		}
		m.Forgotten = true
		m.UpdatedAt = time.Now()
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return txn.Set(memKey(id), data)
	})
	if err != nil {
		return err
	}
	s.cacheDel(id)
	return nil
}

// Delete hard-removes a memory and cascades to incident edges and
// experience links.
func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.update(func(txn *badger.Txn) error {
		if err := txn.Delete(memKey(id)); err != nil {
			return backend.WrapError(backend.KindOperation, "delete", err)
		}

		// Cascade: outgoing edges, incoming edges, experience links.
		var stale [][]byte
		collect := func(prefix []byte, match func(key string) bool) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Rewind(); it.Valid(); it.Next() {
				key := string(it.Item().Key())
				if match(key) {
					stale = append(stale, it.Item().KeyCopy(nil))
				}
			}
			return nil
		}

		if err := collect([]byte(assocPrefix+id+":"), func(string) bool { return true }); err != nil {
			return err
		}
		if err := collect([]byte(assocRevPrefix+id+":"), func(string) bool { return true }); err != nil {
			return err
		}
		// Reverse-index entries point at the forward keys incident from the
		// other side; resolve them.
		for _, key := range append([][]byte(nil), stale...) {
			k := string(key)
			if rest, ok := strings.CutPrefix(k, assocPrefix+id+":"); ok {
				parts := strings.SplitN(rest, ":", 2)
				if len(parts) == 2 {
					stale = append(stale, []byte(assocRevPrefix+parts[0]+":"+id+":"+parts[1]))
				}
			}
			if rest, ok := strings.CutPrefix(k, assocRevPrefix+id+":"); ok {
				parts := strings.SplitN(rest, ":", 2)
				if len(parts) == 2 {
					stale = append(stale, []byte(assocPrefix+parts[0]+":"+id+":"+parts[1]))
				}
			}
		}

		if err := collect([]byte(expMemPrefix), func(key string) bool {
			return strings.HasSuffix(key, ":"+id)
		}); err != nil {
			return err
		}

		for _, key := range stale {
			if err := txn.Delete(key); err != nil && err != badger.ErrKeyNotFound {
				return backend.WrapError(backend.KindOperation, "delete", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.cacheDel(id)
	return nil
}

// Touch advances access tracking for each id in one batched write.
func (s *BadgerStore) Touch(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	now := time.Now()
	err := s.update(func(txn *badger.Txn) error {
		for _, id := range ids {
			m, err := loadInTxn(txn, id)
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return backend.WrapError(backend.KindOperation, "touch", err)
			}
			m.AccessCount++
			m.LastAccessedAt = now
			data, err := json.Marshal(m)
			if err != nil {
				return err
			}
			if err := txn.Set(memKey(id), data); err != nil {
				return err
			}
			s.cacheDel(id)
		}
		return nil
	})
	return err
}

// Query scans all memory rows and applies the filter.
func (s *BadgerStore) Query(ctx context.Context, f *memory.Filter) ([]*memory.Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var results []*memory.Memory
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(memPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var m memory.Memory
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return backend.WrapError(backend.KindOperation, "query", err)
			}
			if f.Matches(&m) {
				cp := m
				results = append(results, &cp)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sortAndBound(results, f), nil
}

// ListIDs returns all memory ids.
func (s *BadgerStore) ListIDs(ctx context.Context, includeForgotten bool) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(memPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var m memory.Memory
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			if m.Forgotten && !includeForgotten {
				continue
			}
			ids = append(ids, m.ID)
		}
		return nil
	})
	if err != nil {
		return nil, backend.WrapError(backend.KindOperation, "list_ids", err)
	}
	return ids, nil
}

// Associate inserts an edge.
func (s *BadgerStore) Associate(ctx context.Context, a *memory.Association) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.Validate(); err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(memKey(a.SourceID)); err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: association source %s", memory.ErrNotFound, a.SourceID)
		}
		if _, err := txn.Get(memKey(a.TargetID)); err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: association target %s", memory.ErrNotFound, a.TargetID)
		}
		if _, err := txn.Get(assocKey(a)); err == nil {
			return nil // duplicate edge is a no-op
		}

		stored := *a
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = time.Now()
		}
		data, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		if err := txn.Set(assocKey(a), data); err != nil {
			return err
		}
		return txn.Set(assocRevKey(a), nil)
	})
}

// Associations returns all edges incident to id.
func (s *BadgerStore) Associations(ctx context.Context, id string) ([]*memory.Association, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*memory.Association
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = associationsInTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, backend.WrapError(backend.KindOperation, "associations", err)
	}
	return out, nil
}

func associationsInTxn(txn *badger.Txn, id string) ([]*memory.Association, error) {
	var out []*memory.Association

	// Outgoing: forward keys carry the payload.
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(assocPrefix + id + ":")
	it := txn.NewIterator(opts)
	for it.Rewind(); it.Valid(); it.Next() {
		var a memory.Association
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &a)
		}); err != nil {
			it.Close()
			return nil, err
		}
		cp := a
		out = append(out, &cp)
	}
	it.Close()

	// Incoming: resolve reverse keys to forward payloads.
	revOpts := badger.DefaultIteratorOptions
	revOpts.Prefix = []byte(assocRevPrefix + id + ":")
	revOpts.PrefetchValues = false
	rit := txn.NewIterator(revOpts)
	var forward [][]byte
	for rit.Rewind(); rit.Valid(); rit.Next() {
		key := string(rit.Item().Key())
		rest := strings.TrimPrefix(key, assocRevPrefix+id+":")
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 {
			continue
		}
		forward = append(forward, []byte(assocPrefix+parts[0]+":"+id+":"+parts[1]))
	}
	rit.Close()

	for _, key := range forward {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		var a memory.Association
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &a)
		}); err != nil {
			return nil, err
		}
		cp := a
		out = append(out, &cp)
	}
	return out, nil
}

// Neighbors expands breadth-first from id up to depth hops.
func (s *BadgerStore) Neighbors(ctx context.Context, id string, depth int, rels []memory.RelationType) ([]memory.Neighbor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	allowed := relationSet(rels)
	var out []memory.Neighbor

	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(memKey(id)); err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", memory.ErrNotFound, id)
		}

		visited := map[string]struct{}{id: {}}
		frontier := []string{id}

		for dist := 1; dist <= depth && len(frontier) > 0; dist++ {
			var candidates []bfsEdge
			for _, from := range frontier {
				edges, err := associationsInTxn(txn, from)
				if err != nil {
					return err
				}
				for _, a := range edges {
					next := a.TargetID
					if next == from {
						next = a.SourceID
					}
					if allowed != nil {
						if _, ok := allowed[a.Relation]; !ok {
							continue
						}
					}
					if _, seen := visited[next]; seen {
						continue
					}
					imp := 0.0
					if m, err := loadInTxn(txn, next); err == nil {
						imp = m.Importance
					}
					candidates = append(candidates, bfsEdge{target: next, weight: a.Weight, importance: imp})
				}
			}

			sortTraversal(candidates)
			frontier = frontier[:0]
			for _, c := range candidates {
				if _, seen := visited[c.target]; seen {
					continue
				}
				visited[c.target] = struct{}{}
				out = append(out, memory.Neighbor{ID: c.target, Distance: dist})
				frontier = append(frontier, c.target)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveExperience inserts or updates an experience.
func (s *BadgerStore) SaveExperience(ctx context.Context, e *memory.Experience) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.ID == "" {
		return fmt.Errorf("%w: empty experience id", memory.ErrValidation)
	}
	return s.update(func(txn *badger.Txn) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return txn.Set(expKey(e.ID), data)
	})
}

// Experience returns an experience by id.
func (s *BadgerStore) Experience(ctx context.Context, id string) (*memory.Experience, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var e memory.Experience
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(expKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, backend.WrapError(backend.KindOperation, "experience", err)
	}
	return &e, nil
}

// LinkExperience attaches a memory to an experience.
func (s *BadgerStore) LinkExperience(ctx context.Context, experienceID, memoryID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(expKey(experienceID)); err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: experience %s", memory.ErrNotFound, experienceID)
		}
		if _, err := txn.Get(memKey(memoryID)); err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: memory %s", memory.ErrNotFound, memoryID)
		}
		return txn.Set(expMemKey(experienceID, memoryID), nil)
	})
}

// ExperienceMemories returns the memory ids linked to an experience.
func (s *BadgerStore) ExperienceMemories(ctx context.Context, experienceID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(expKey(experienceID)); err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: experience %s", memory.ErrNotFound, experienceID)
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(expMemPrefix + experienceID + ":")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			ids = append(ids, strings.TrimPrefix(key, expMemPrefix+experienceID+":"))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// HealthCheck verifies the database is open.
func (s *BadgerStore) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return memory.ErrStorageUnavailable
	}
	return nil
}

// Name identifies the backend.
func (s *BadgerStore) Name() string {
	return "badger"
}

// Close runs value-log GC and closes the database.
func (s *BadgerStore) Close() error {
	if s.cache != nil {
		s.cache.Close()
	}
	if err := s.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
		// GC failure is not fatal on close.
	}
	return s.db.Close()
}
