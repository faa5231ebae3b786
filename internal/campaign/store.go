package campaign

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	ErrNotFound      = errors.New("campaign not found")
	ErrAlreadyExists = errors.New("campaign already exists")
)

// Store defines the keyed persistence used by the Registry
type Store interface {
	// Insert stores a new campaign, failing with ErrAlreadyExists on id collision
	Insert(ctx context.Context, c *Campaign) error

	// Get returns a copy of the campaign or ErrNotFound
	Get(ctx context.Context, id string) (*Campaign, error)

	// Update applies fn atomically to the stored campaign.
	// If fn returns an error nothing is written.
	Update(ctx context.Context, id string, fn func(c *Campaign) error) error

	// ListByOwner returns copies of all campaigns of an owner
	ListByOwner(ctx context.Context, ownerID string) ([]*Campaign, error)

	// List returns copies of all campaigns
	List(ctx context.Context) ([]*Campaign, error)

	// Delete removes a campaign; absent ids are not an error
	Delete(ctx context.Context, id string) error

	// Close releases the storage
	Close() error
}

// MemoryStore keeps campaigns in process memory
type MemoryStore struct {
	mu        sync.RWMutex
	campaigns map[string]*Campaign
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{campaigns: make(map[string]*Campaign)}
}

func (s *MemoryStore) Insert(ctx context.Context, c *Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.campaigns[c.ID]; ok {
		return ErrAlreadyExists
	}
	s.campaigns[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn func(c *Campaign) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	next := c.Clone()
	if err := fn(next); err != nil {
		return err
	}
	s.campaigns[id] = next
	return nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, ownerID string) ([]*Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Campaign
	for _, c := range s.campaigns {
		if c.OwnerID == ownerID {
			out = append(out, c.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		out = append(out, c.Clone())
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.campaigns, id)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func sortNewestFirst(cs []*Campaign) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].CreatedAt.After(cs[j].CreatedAt)
	})
}
