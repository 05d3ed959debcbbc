package aicli

import "sync"

// Conversation holds the resumable conversation ids issued by each backend
// for one terminal session, plus the last query sent.
type Conversation struct {
	mu        sync.Mutex
	ids       map[string]string
	lastQuery string
}

func NewConversation() *Conversation {
	return &Conversation{ids: make(map[string]string)}
}

// SessionID returns the most recent id issued by backend, or "".
func (c *Conversation) SessionID(backend string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ids[backend]
}

// Record stores id for backend. It returns false when id is already the
// stored value, so callers act once per distinct id.
func (c *Conversation) Record(backend, id string) bool {
	if id == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ids[backend] == id {
		return false
	}
	c.ids[backend] = id
	return true
}

func (c *Conversation) SetLastQuery(q string) {
	c.mu.Lock()
	c.lastQuery = q
	c.mu.Unlock()
}

func (c *Conversation) LastQuery() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastQuery
}

// Clear forgets every id and the last query.
func (c *Conversation) Clear() {
	c.mu.Lock()
	c.ids = make(map[string]string)
	c.lastQuery = ""
	c.mu.Unlock()
}
