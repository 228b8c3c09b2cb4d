package cortex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mnemon/mnemon/pkg/backend"
	"github.com/mnemon/mnemon/pkg/memory"
	"github.com/mnemon/mnemon/pkg/retrieval"
)

// Saver persists new memories with full indexing. The substrate implements
// it; the cortex stays unaware of index wiring.
type Saver interface {
	Save(ctx context.Context, m *memory.Memory) error
}

// Searcher runs retrieval queries. Implemented by *retrieval.Engine.
type Searcher interface {
	Search(ctx context.Context, q retrieval.Query) (*retrieval.ResultSet, error)
}

// Config tunes a Cortex.
type Config struct {
	WorkingMemoryCapacity int
	AttentionDecay        float64
}

// Cortex is the agent-facing layer: working memory, episodes, and context
// building. At most one episode is open per Cortex instance.
type Cortex struct {
	store    backend.MetadataStore
	saver    Saver
	searcher Searcher
	working  *WorkingMemory

	mu          sync.Mutex
	openEpisode *memory.Experience
}

// New creates a Cortex.
func New(cfg Config, store backend.MetadataStore, saver Saver, searcher Searcher) *Cortex {
	return &Cortex{
		store:    store,
		saver:    saver,
		searcher: searcher,
		working:  NewWorkingMemory(cfg.WorkingMemoryCapacity, cfg.AttentionDecay),
	}
}

// Working exposes the working memory.
func (c *Cortex) Working() *WorkingMemory {
	return c.working
}

// ThinkAbout promotes a memory into working memory.
func (c *Cortex) ThinkAbout(id string) {
	c.working.ThinkAbout(id)
}

// StartEpisode opens an experience. Fails with Validation while another
// episode is open.
func (c *Cortex) StartEpisode(ctx context.Context, title, episodeContext string) (*memory.Experience, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.openEpisode != nil {
		return nil, fmt.Errorf("%w: episode %q still open", memory.ErrValidation, c.openEpisode.Title)
	}

	e := &memory.Experience{
		ID:        uuid.NewString(),
		Title:     title,
		Context:   episodeContext,
		StartedAt: time.Now(),
	}
	if err := c.store.SaveExperience(ctx, e); err != nil {
		return nil, err
	}
	c.openEpisode = e
	return e, nil
}

// EndEpisode closes the open experience. A no-op error when none is open.
func (c *Cortex) EndEpisode(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.openEpisode == nil {
		return fmt.Errorf("%w: no open episode", memory.ErrValidation)
	}
	ended := time.Now()
	c.openEpisode.EndedAt = &ended
	if err := c.store.SaveExperience(ctx, c.openEpisode); err != nil {
		return err
	}
	c.openEpisode = nil
	return nil
}

// CurrentEpisode returns the open experience, nil when none.
func (c *Cortex) CurrentEpisode() *memory.Experience {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openEpisode
}

// Remember saves a memory through the substrate and links it to the open
// episode, if any. The new memory also enters working memory.
func (c *Cortex) Remember(ctx context.Context, m *memory.Memory) error {
	if err := c.saver.Save(ctx, m); err != nil {
		return err
	}

	c.mu.Lock()
	episode := c.openEpisode
	c.mu.Unlock()

	if episode != nil {
		if err := c.store.LinkExperience(ctx, episode.ID, m.ID); err != nil {
			return err
		}
	}
	c.working.ThinkAbout(m.ID)
	return nil
}

// EpisodeMemories returns the ids linked to an experience.
func (c *Cortex) EpisodeMemories(ctx context.Context, experienceID string) ([]string, error) {
	return c.store.ExperienceMemories(ctx, experienceID)
}
