package offlineagent

import (
	"sync"

	"github.com/google/uuid"
)

// Client is one open browsing context for the agent's origin.
type Client struct {
	ID      string
	URL     string
	Focused bool
	// Generation currently controlling the context.
	// Empty until a generation claims it.
	ControlledBy string
}

// Clients is the registry of open browsing contexts for the origin.
// It stands in for the host's clients surface: activation claims every
// registered context, and notification clicks open or focus windows.
type Clients struct {
	mutex    sync.Mutex
	contexts map[string]*Client
}

func NewClients() *Clients {
	return &Clients{
		contexts: make(map[string]*Client),
	}
}

// Register adds a browsing context at the given URL and returns it.
func (c *Clients) Register(url string) Client {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	client := &Client{
		ID:  uuid.NewString(),
		URL: url,
	}
	c.contexts[client.ID] = client
	return *client
}

// Claim puts every registered context under control of the given
// generation immediately, without waiting for a reload.
// It returns the number of contexts claimed.
func (c *Clients) Claim(generation string) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, client := range c.contexts {
		client.ControlledBy = generation
	}
	return len(c.contexts)
}

// OpenWindow focuses an existing context at the given URL, or registers a
// new focused one if none exists.
func (c *Clients) OpenWindow(url string) Client {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, client := range c.contexts {
		client.Focused = client.URL == url
	}
	for _, client := range c.contexts {
		if client.Focused {
			return *client
		}
	}
	client := &Client{
		ID:      uuid.NewString(),
		URL:     url,
		Focused: true,
	}
	c.contexts[client.ID] = client
	return *client
}

// List returns a copy of all registered contexts.
func (c *Clients) List() []Client {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	clients := make([]Client, 0, len(c.contexts))
	for _, client := range c.contexts {
		clients = append(clients, *client)
	}
	return clients
}
