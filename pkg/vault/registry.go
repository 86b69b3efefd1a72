package vault

import (
	"fmt"
	"sync"
)

// Registry holds one client per node, keyed by node ID, in inventory order
type Registry struct {
	clients map[string]*Client
	order   []string
	mu      sync.RWMutex
}

// NewRegistry creates a new Registry
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
	}
}

// Add stores a client under its node ID. Adding the same ID twice is an error.
func (r *Registry) Add(client *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := client.NodeID()
	if _, ok := r.clients[id]; ok {
		return fmt.Errorf("vault client for node %q already registered", id)
	}
	r.clients[id] = client
	r.order = append(r.order, id)
	return nil
}

// Get retrieves a client by node ID
func (r *Registry) Get(id string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[id]
	if !ok {
		return nil, fmt.Errorf("vault client for node %q not found", id)
	}
	return client, nil
}

// Has checks if a client exists for the node
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.clients[id]
	return ok
}

// All returns the clients in inventory order
func (r *Registry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.clients[id])
	}
	return out
}

// IDs returns the node IDs in inventory order
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// Size returns the number of registered clients
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// SwapTokens installs token on every client and returns the distinct
// tokens that were replaced.
func (r *Registry) SwapTokens(token string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var replaced []string
	for _, id := range r.order {
		old := r.clients[id].SwapToken(token)
		if old != "" && old != token && !seen[old] {
			seen[old] = true
			replaced = append(replaced, old)
		}
	}
	return replaced
}

// ClearTokens drops the token from every client
func (r *Registry) ClearTokens() {
	r.SwapTokens("")
}
