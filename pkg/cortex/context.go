package cortex

import (
	"context"
	"fmt"
	"strings"

	"github.com/mnemon/mnemon/pkg/retrieval"
)

// Citation is one memory included in a built context block.
type Citation struct {
	ID      string
	Type    string
	Content string
	Score   float64
}

// ContextBlock is the assembled prompt context.
type ContextBlock struct {
	// Text is the formatted block with numbered citations.
	Text string

	// Citations lists the included memories in order.
	Citations []Citation

	// TokensUsed is the token estimate of the included content. Always at
	// most the requested budget when at least one memory fits.
	TokensUsed int
}

// estimateTokens approximates token count as content length / 4.
func estimateTokens(content string) int {
	return len(content) / 4
}

// BuildContext retrieves memories for the query and greedy-packs them by
// descending score; a memory that would overflow the token budget is skipped
// and packing continues with the next one.
func (c *Cortex) BuildContext(ctx context.Context, q retrieval.Query, tokenBudget int) (*ContextBlock, error) {
	if tokenBudget <= 0 {
		return &ContextBlock{}, nil
	}
	if q.Limit <= 0 {
		// Over-fetch so packing has enough candidates.
		q.Limit = 50
	}

	rs, err := c.searcher.Search(ctx, q)
	if err != nil {
		return nil, err
	}

	block := &ContextBlock{}
	var b strings.Builder
	used := 0

	for _, r := range rs.Results {
		cost := estimateTokens(r.Memory.Content)
		if used+cost > tokenBudget {
			continue
		}
		used += cost
		block.Citations = append(block.Citations, Citation{
			ID:      r.Memory.ID,
			Type:    string(r.Memory.Type),
			Content: r.Memory.Content,
			Score:   r.Score,
		})
		fmt.Fprintf(&b, "[%d] (%s) %s\n", len(block.Citations), r.Memory.Type, r.Memory.Content)
	}

	block.Text = b.String()
	block.TokensUsed = used
	return block, nil
}
