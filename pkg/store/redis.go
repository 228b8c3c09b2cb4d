package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mnemon/mnemon/pkg/backend"
	"github.com/mnemon/mnemon/pkg/memory"
)

// RedisConfig holds configuration for the redis store.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore is a MetadataStore over a redis server, for deployments where
// the substrate's data should live outside the process host. Mutations
// serialize through a single writer, matching the badger backend.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	writeMu sync.Mutex
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg *RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, backend.WrapError(backend.KindConnection, "connect", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mnemon"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) memKey(id string) string   { return s.prefix + ":mem:" + id }
func (s *RedisStore) idsKey() string            { return s.prefix + ":ids" }
func (s *RedisStore) assocKey(id string) string { return s.prefix + ":assoc:" + id }
func (s *RedisStore) revKey(id string) string   { return s.prefix + ":assocrev:" + id }
func (s *RedisStore) expKey(id string) string   { return s.prefix + ":exp:" + id }
func (s *RedisStore) expMemKey(id string) string {
	return s.prefix + ":expmem:" + id
}

func edgeField(other string, rel memory.RelationType) string {
	return other + "|" + string(rel)
}

// Save inserts a new memory.
func (s *RedisStore) Save(ctx context.Context, m *memory.Memory) error {
	if err := prepareForSave(m, time.Now()); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := json.Marshal(m)
	if err != nil {
		return backend.WrapError(backend.KindValidation, "save", err)
	}
	ok, err := s.client.SetNX(ctx, s.memKey(m.ID), data, 0).Result()
	if err != nil {
		return backend.WrapError(backend.KindConnection, "save", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", memory.ErrDuplicate, m.ID)
	}
	if err := s.client.SAdd(ctx, s.idsKey(), m.ID).Err(); err != nil {
		return backend.WrapError(backend.KindConnection, "save", err)
	}
	return nil
}

// Load returns a memory by id, nil when unknown.
func (s *RedisStore) Load(ctx context.Context, id string) (*memory.Memory, error) {
	data, err := s.client.Get(ctx, s.memKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, backend.WrapError(backend.KindConnection, "load", err)
	}
	var m memory.Memory
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, backend.WrapError(backend.KindOperation, "load", err)
	}
	return &m, nil
}

// Update replaces the mutable fields of an existing memory.
func (s *RedisStore) Update(ctx context.Context, m *memory.Memory) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := s.Load(ctx, m.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("%w: %s", memory.ErrNotFound, m.ID)
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
	if err := s.client.Set(ctx, s.memKey(m.ID), data, 0).Err(); err != nil {
		return backend.WrapError(backend.KindConnection, "update", err)
	}
	return nil
}

// Forget soft-deletes a memory.
func (s *RedisStore) Forget(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	m, err := s.Load(ctx, id)
	if err != nil || m == nil || m.Forgotten {
		return err
	}
	m.Forgotten = true
	m.UpdatedAt = time.Now()
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.memKey(id), data, 0).Err(); err != nil {
		return backend.WrapError(backend.KindConnection, "forget", err)
	}
	return nil
}

// Delete hard-removes a memory and cascades.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Cascade: resolve both edge directions before removing the row.
	out, err := s.client.HGetAll(ctx, s.assocKey(id)).Result()
	if err != nil {
		return backend.WrapError(backend.KindConnection, "delete", err)
	}
	rev, err := s.client.HGetAll(ctx, s.revKey(id)).Result()
	if err != nil {
		return backend.WrapError(backend.KindConnection, "delete", err)
	}

	pipe := s.client.TxPipeline()
	for field := range out {
		if other, rel, ok := splitEdgeField(field); ok {
			pipe.HDel(ctx, s.revKey(other), edgeField(id, rel))
		}
	}
	for field := range rev {
		if other, rel, ok := splitEdgeField(field); ok {
			pipe.HDel(ctx, s.assocKey(other), edgeField(id, rel))
		}
	}
	pipe.Del(ctx, s.assocKey(id), s.revKey(id), s.memKey(id))
	pipe.SRem(ctx, s.idsKey(), id)

	// Experience links reference memories by id sets.
	expIDs, err := s.client.Keys(ctx, s.prefix+":expmem:*").Result()
	if err == nil {
		for _, key := range expIDs {
			pipe.SRem(ctx, key, id)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return backend.WrapError(backend.KindConnection, "delete", err)
	}
	return nil
}

func splitEdgeField(field string) (other string, rel memory.RelationType, ok bool) {
	i := strings.LastIndex(field, "|")
	if i < 0 {
		return "", "", false
	}
	return field[:i], memory.RelationType(field[i+1:]), true
}

// Touch advances access tracking for each id.
func (s *RedisStore) Touch(ctx context.Context, ids []string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now()
	for _, id := range ids {
		m, err := s.Load(ctx, id)
		if err != nil {
			return err
		}
		if m == nil {
			continue
		}
		m.AccessCount++
		m.LastAccessedAt = now
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := s.client.Set(ctx, s.memKey(id), data, 0).Err(); err != nil {
			return backend.WrapError(backend.KindConnection, "touch", err)
		}
	}
	return nil
}

// Query loads all rows and applies the filter.
func (s *RedisStore) Query(ctx context.Context, f *memory.Filter) ([]*memory.Memory, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, backend.WrapError(backend.KindConnection, "query", err)
	}

	var results []*memory.Memory
	for _, id := range ids {
		m, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if m != nil && f.Matches(m) {
			results = append(results, m)
		}
	}
	return sortAndBound(results, f), nil
}

// ListIDs returns all memory ids.
func (s *RedisStore) ListIDs(ctx context.Context, includeForgotten bool) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, backend.WrapError(backend.KindConnection, "list_ids", err)
	}
	if includeForgotten {
		return ids, nil
	}
	var out []string
	for _, id := range ids {
		m, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if m != nil && !m.Forgotten {
			out = append(out, id)
		}
	}
	return out, nil
}

// Associate inserts an edge.
func (s *RedisStore) Associate(ctx context.Context, a *memory.Association) error {
	if err := a.Validate(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, id := range []string{a.SourceID, a.TargetID} {
		exists, err := s.client.Exists(ctx, s.memKey(id)).Result()
		if err != nil {
			return backend.WrapError(backend.KindConnection, "associate", err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: association endpoint %s", memory.ErrNotFound, id)
		}
	}

	field := edgeField(a.TargetID, a.Relation)
	stored := *a
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return err
	}

	set, err := s.client.HSetNX(ctx, s.assocKey(a.SourceID), field, data).Result()
	if err != nil {
		return backend.WrapError(backend.KindConnection, "associate", err)
	}
	if !set {
		return nil // duplicate edge is a no-op
	}
	if err := s.client.HSet(ctx, s.revKey(a.TargetID), edgeField(a.SourceID, a.Relation), "").Err(); err != nil {
		return backend.WrapError(backend.KindConnection, "associate", err)
	}
	return nil
}

// Associations returns all edges incident to id.
func (s *RedisStore) Associations(ctx context.Context, id string) ([]*memory.Association, error) {
	out, err := s.client.HGetAll(ctx, s.assocKey(id)).Result()
	if err != nil {
		return nil, backend.WrapError(backend.KindConnection, "associations", err)
	}

	var edges []*memory.Association
	for _, raw := range out {
		var a memory.Association
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, backend.WrapError(backend.KindOperation, "associations", err)
		}
		edges = append(edges, &a)
	}

	rev, err := s.client.HGetAll(ctx, s.revKey(id)).Result()
	if err != nil {
		return nil, backend.WrapError(backend.KindConnection, "associations", err)
	}
	for field := range rev {
		other, rel, ok := splitEdgeField(field)
		if !ok {
			continue
		}
		raw, err := s.client.HGet(ctx, s.assocKey(other), edgeField(id, rel)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, backend.WrapError(backend.KindConnection, "associations", err)
		}
		var a memory.Association
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, backend.WrapError(backend.KindOperation, "associations", err)
		}
		edges = append(edges, &a)
	}
	return edges, nil
}

// Neighbors expands breadth-first from id.
func (s *RedisStore) Neighbors(ctx context.Context, id string, depth int, rels []memory.RelationType) ([]memory.Neighbor, error) {
	m, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s", memory.ErrNotFound, id)
	}

	allowed := relationSet(rels)
	visited := map[string]struct{}{id: {}}
	frontier := []string{id}
	var out []memory.Neighbor

	for dist := 1; dist <= depth && len(frontier) > 0; dist++ {
		var candidates []bfsEdge
		for _, from := range frontier {
			edges, err := s.Associations(ctx, from)
			if err != nil {
				return nil, err
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
				if nm, err := s.Load(ctx, next); err == nil && nm != nil {
					imp = nm.Importance
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
	return out, nil
}

// SaveExperience inserts or updates an experience.
func (s *RedisStore) SaveExperience(ctx context.Context, e *memory.Experience) error {
	if e.ID == "" {
		return fmt.Errorf("%w: empty experience id", memory.ErrValidation)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.expKey(e.ID), data, 0).Err(); err != nil {
		return backend.WrapError(backend.KindConnection, "save_experience", err)
	}
	return nil
}

// Experience returns an experience by id.
func (s *RedisStore) Experience(ctx context.Context, id string) (*memory.Experience, error) {
	data, err := s.client.Get(ctx, s.expKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, backend.WrapError(backend.KindConnection, "experience", err)
	}
	var e memory.Experience
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, backend.WrapError(backend.KindOperation, "experience", err)
	}
	return &e, nil
}

// LinkExperience attaches a memory to an experience.
func (s *RedisStore) LinkExperience(ctx context.Context, experienceID, memoryID string) error {
	e, err := s.Experience(ctx, experienceID)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("%w: experience %s", memory.ErrNotFound, experienceID)
	}
	m, err := s.Load(ctx, memoryID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: memory %s", memory.ErrNotFound, memoryID)
	}
	if err := s.client.SAdd(ctx, s.expMemKey(experienceID), memoryID).Err(); err != nil {
		return backend.WrapError(backend.KindConnection, "link_experience", err)
	}
	return nil
}

// ExperienceMemories returns the memory ids linked to an experience.
func (s *RedisStore) ExperienceMemories(ctx context.Context, experienceID string) ([]string, error) {
	e, err := s.Experience(ctx, experienceID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: experience %s", memory.ErrNotFound, experienceID)
	}
	ids, err := s.client.SMembers(ctx, s.expMemKey(experienceID)).Result()
	if err != nil {
		return nil, backend.WrapError(backend.KindConnection, "experience_memories", err)
	}
	return ids, nil
}

// HealthCheck pings the server.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return backend.WrapError(backend.KindConnection, "health_check", err)
	}
	return nil
}

// Name identifies the backend.
func (s *RedisStore) Name() string {
	return "redis"
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
