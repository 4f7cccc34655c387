package domain

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator creates record ids.
type IDGenerator interface {
	NewID() string
}

// UUIDv7Generator generates time-sortable UUIDv7 ids.
//
// Ids sort by creation time, which keeps the primary-key order of a
// collection close to insertion order.
type UUIDv7Generator struct{}

// NewID panics if the system random source fails.
func (UUIDv7Generator) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// SequenceGenerator returns prefix-1, prefix-2, ... for deterministic tests.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{prefix: prefix}
}

func (g *SequenceGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// GuestUserPrefix marks user ids minted on a device without an account.
const GuestUserPrefix = "guest-"

// NewGuestUserID mints a guest user id.
func NewGuestUserID(ids IDGenerator) string {
	return GuestUserPrefix + ids.NewID()
}
