// ABOUTME: Memory record types and the pluggable backend interface
// ABOUTME: InMemoryBackend keeps records in a tenant -> conversation nested map

package memory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Role of a turn's author
type Role string

const (
	RoleCustomer  Role = "customer"
	RoleAssistant Role = "assistant"
)

// Turn is one short-term memory entry.
type Turn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Key addresses a memory record. It always embeds the tenant.
type Key struct {
	TenantID       string
	ConversationID string
}

// Record is the persisted memory of one conversation. TenantID and
// ConversationID are stored inside the record and checked on every access.
type Record struct {
	TenantID         string    `json:"tenant_id"`
	ConversationID   string    `json:"conversation_id"`
	Turns            []Turn    `json:"turns"`
	Summary          string    `json:"summary,omitempty"`
	SummaryExpiresAt time.Time `json:"summary_expires_at,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (r *Record) clone() *Record {
	c := *r
	c.Turns = append([]Turn(nil), r.Turns...)
	return &c
}

// Backend persists records. Load returns (nil, nil) for absent or expired
// records. Keys and Tenants drive the periodic sweep.
type Backend interface {
	Load(ctx context.Context, key Key) (*Record, error)
	Save(ctx context.Context, key Key, rec *Record, ttl time.Duration) error
	Delete(ctx context.Context, key Key) error
	Keys(ctx context.Context, tenantID string) ([]Key, error)
	Tenants(ctx context.Context) ([]string, error)
	Close() error
}

type memEntry struct {
	rec       *Record
	expiresAt time.Time
}

// InMemoryBackend is a process-local Backend. Records are partitioned by
// tenant first, so listing one tenant's keys never touches another's.
type InMemoryBackend struct {
	mu      sync.Mutex
	tenants map[string]map[string]*memEntry
	now     func() time.Time
}

// NewInMemoryBackend creates an empty in-memory backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		tenants: make(map[string]map[string]*memEntry),
		now:     time.Now,
	}
}

// Load implements Backend.
func (b *InMemoryBackend) Load(_ context.Context, key Key) (*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.tenants[key.TenantID][key.ConversationID]
	if !ok {
		return nil, nil
	}
	if !e.expiresAt.IsZero() && !b.now().Before(e.expiresAt) {
		return nil, nil
	}
	return e.rec.clone(), nil
}

// Save implements Backend. ttl <= 0 keeps the record until deleted.
func (b *InMemoryBackend) Save(_ context.Context, key Key, rec *Record, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	convs, ok := b.tenants[key.TenantID]
	if !ok {
		convs = make(map[string]*memEntry)
		b.tenants[key.TenantID] = convs
	}
	e := &memEntry{rec: rec.clone()}
	if ttl > 0 {
		e.expiresAt = b.now().Add(ttl)
	}
	convs[key.ConversationID] = e
	return nil
}

// Delete implements Backend.
func (b *InMemoryBackend) Delete(_ context.Context, key Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	convs, ok := b.tenants[key.TenantID]
	if !ok {
		return nil
	}
	delete(convs, key.ConversationID)
	if len(convs) == 0 {
		delete(b.tenants, key.TenantID)
	}
	return nil
}

// Keys implements Backend.
func (b *InMemoryBackend) Keys(_ context.Context, tenantID string) ([]Key, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]Key, 0, len(b.tenants[tenantID]))
	for convID := range b.tenants[tenantID] {
		keys = append(keys, Key{TenantID: tenantID, ConversationID: convID})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ConversationID < keys[j].ConversationID })
	return keys, nil
}

// Tenants implements Backend.
func (b *InMemoryBackend) Tenants(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tenants := make([]string, 0, len(b.tenants))
	for t := range b.tenants {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	return tenants, nil
}

// Close implements Backend.
func (b *InMemoryBackend) Close() error { return nil }
