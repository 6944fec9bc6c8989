package terminal

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Manager tracks the known tab ids per logical context (e.g. a task-run id)
// and guarantees that an empty context gets exactly one auto-created default
// tab, no matter how many observers see the empty list concurrently.
type Manager struct {
	client *Client

	creates singleflight.Group
	mu      sync.Mutex
	tabs    map[string][]string // context key -> known tab ids
}

func NewManager(client *Client) *Manager {
	return &Manager{client: client, tabs: make(map[string][]string)}
}

// Tabs returns the currently known tab ids for a context.
func (m *Manager) Tabs(contextKey string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tabs[contextKey]...)
}

// EnsureDefaultTab lists the context's tabs and, when the list is empty,
// issues exactly one create request for the default tab. The returned slice
// is the merged, de-duplicated view.
func (m *Manager) EnsureDefaultTab(ctx context.Context, baseURL, contextKey string) ([]string, error) {
	ids, err := m.client.ListTabs(ctx, baseURL, contextKey)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		// singleflight collapses concurrent callers onto one create request.
		created, err, _ := m.creates.Do(contextKey, func() (any, error) {
			id, err := m.client.CreateTab(ctx, baseURL, contextKey, defaultTab)
			if err != nil {
				return nil, err
			}
			log.Info().Str("context", contextKey).Str("tab_id", id).Msg("created default terminal tab")
			return id, nil
		})
		if err != nil {
			return nil, err
		}
		ids = []string{created.(string)}
	}
	return m.merge(contextKey, ids), nil
}

// merge folds freshly observed ids into the known list, de-duplicating by id.
func (m *Manager) merge(contextKey string, ids []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(m.tabs[contextKey]))
	merged := m.tabs[contextKey]
	for _, id := range merged {
		seen[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	m.tabs[contextKey] = merged
	return append([]string(nil), merged...)
}

// Forget drops the known tabs for a context, e.g. when its task run ends.
func (m *Manager) Forget(contextKey string) {
	m.mu.Lock()
	delete(m.tabs, contextKey)
	m.mu.Unlock()
}
