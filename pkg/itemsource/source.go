// Package itemsource retrieves candidate items for a topic.
package itemsource

import (
	"context"
	"fmt"

	"github.com/harun/paperlens/pkg/types"
)

// Source returns up to maxResults items matching query, in relevance order.
// An empty result with a nil error means nothing matched.
//
// Fetch returns the items with the given ids, in the order asked. Unknown
// ids are left out; an error means the lookup itself failed.
type Source interface {
	Search(ctx context.Context, query string, maxResults int) ([]types.Item, error)
	Fetch(ctx context.Context, ids []string) ([]types.Item, error)
	Name() string
}

// Config selects and parameterizes a backend.
type Config struct {
	Provider   string
	BaseURL    string
	UserAgent  string
	MaxResults int
}

// New creates the backend named by cfg.Provider.
func New(cfg Config, opts ...ArxivOption) (Source, error) {
	switch cfg.Provider {
	case "arxiv", "":
		return NewArxivSource(cfg, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported item source: %s", cfg.Provider)
	}
}
