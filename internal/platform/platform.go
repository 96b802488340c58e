package platform

import (
	"context"
	"sort"

	apperrors "github.com/harunnryd/assistly/internal/errors"
)

// PostResult is what a successful delivery reports back to the queue and
// the owner's confirmation message.
type PostResult struct {
	Platform string `json:"platform"`
	ID       string `json:"id,omitempty"`
	URL      string `json:"url,omitempty"`
	Chars    int    `json:"chars"`
}

// Client is one outbound platform integration. Implementations carry their
// own HTTP timeouts; callers add no retry discipline beyond the queue's.
type Client interface {
	Name() string
	Post(ctx context.Context, content string) (*PostResult, error)
	Analytics(ctx context.Context, period string) (map[string]int, error)
}

// Registry resolves platform names to clients. Only configured platforms
// are registered.
type Registry struct {
	clients map[string]Client
}

func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.Name()] = c
	}
	return r
}

func (r *Registry) Get(name string) (Client, error) {
	c, ok := r.clients[name]
	if !ok {
		return nil, apperrors.InvalidInput("unknown platform: " + name)
	}
	return c, nil
}

func (r *Registry) Has(name string) bool {
	_, ok := r.clients[name]
	return ok
}

// Names returns registered platform names in stable order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
