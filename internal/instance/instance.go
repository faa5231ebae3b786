package instance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound        = errors.New("instance not found")
	ErrNotConnected    = errors.New("instance is not connected")
	ErrNoCredential    = errors.New("owner has no send credential")
	ErrTooFewInstances = errors.New("not enough connected instances")
	ErrNoPhone         = errors.New("instance has no phone number")
)

// Instance is one WhatsApp account attached to an owner
type Instance struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Status  string `json:"status"`
}

// Connected reports whether the stored status allows sending
func (i Instance) Connected() bool {
	switch strings.ToLower(i.Status) {
	case "connected", "open", "online", "authenticated":
		return true
	}
	return false
}

// Directory looks up instances and owner credentials
type Directory interface {
	Get(ctx context.Context, id string) (*Instance, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Instance, error)
	Credential(ctx context.Context, ownerID string) (string, error)
}

// LiveChecker confirms connection state with the send backend
type LiveChecker interface {
	ConnectedAll(ctx context.Context, token string, instanceIDs []string) (map[string]bool, error)
}

// Service combines the directory with optional live status checks
type Service struct {
	dir  Directory
	live LiveChecker
}

// NewService creates an instance service. live may be nil.
func NewService(dir Directory, live LiveChecker) *Service {
	return &Service{dir: dir, live: live}
}

// Credential returns the owner's system token for the send API
func (s *Service) Credential(ctx context.Context, ownerID string) (string, error) {
	token, err := s.dir.Credential(ctx, ownerID)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrNoCredential
	}
	return token, nil
}

// Owned returns the instance if it belongs to ownerID
func (s *Service) Owned(ctx context.Context, ownerID, id string) (*Instance, error) {
	inst, err := s.dir.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inst, nil
}

// RequireConnected verifies ownership and connection of every id
func (s *Service) RequireConnected(ctx context.Context, ownerID string, ids ...string) ([]Instance, error) {
	out := make([]Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.Owned(ctx, ownerID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}

	if err := s.refresh(ctx, ownerID, out); err != nil {
		return nil, err
	}
	for _, inst := range out {
		if !inst.Connected() {
			return nil, fmt.Errorf("%w: %s", ErrNotConnected, inst.ID)
		}
	}
	return out, nil
}

// ConnectedPartners lists the owner's other connected instances
func (s *Service) ConnectedPartners(ctx context.Context, ownerID, exclude string) ([]Instance, error) {
	all, err := s.dir.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	var others []Instance
	for _, inst := range all {
		if inst.ID != exclude {
			others = append(others, inst)
		}
	}
	if err := s.refresh(ctx, ownerID, others); err != nil {
		return nil, err
	}

	var out []Instance
	for _, inst := range others {
		if inst.Connected() {
			out = append(out, inst)
		}
	}
	return out, nil
}

// refresh overwrites stored statuses with live ones when a checker is set
func (s *Service) refresh(ctx context.Context, ownerID string, insts []Instance) error {
	if s.live == nil || len(insts) == 0 {
		return nil
	}
	token, err := s.Credential(ctx, ownerID)
	if err != nil {
		return err
	}
	ids := make([]string, len(insts))
	for i, inst := range insts {
		ids[i] = inst.ID
	}
	live, err := s.live.ConnectedAll(ctx, token, ids)
	if err != nil {
		return fmt.Errorf("failed to check instance status: %w", err)
	}
	for i := range insts {
		if live[insts[i].ID] {
			insts[i].Status = "connected"
		} else {
			insts[i].Status = "disconnected"
		}
	}
	return nil
}

// MemoryDirectory is an in-memory Directory
type MemoryDirectory struct {
	mu          sync.RWMutex
	instances   map[string]Instance
	credentials map[string]string
}

// NewMemoryDirectory creates an empty directory
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		instances:   make(map[string]Instance),
		credentials: make(map[string]string),
	}
}

// Put adds or replaces an instance
func (d *MemoryDirectory) Put(inst Instance) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.instances[inst.ID] = inst
}

// SetCredential stores the owner's send token
func (d *MemoryDirectory) SetCredential(ownerID, token string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.credentials[ownerID] = token
}

func (d *MemoryDirectory) Get(ctx context.Context, id string) (*Instance, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	inst, ok := d.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &inst, nil
}

func (d *MemoryDirectory) ListByOwner(ctx context.Context, ownerID string) ([]Instance, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Instance
	for _, inst := range d.instances {
		if inst.OwnerID == ownerID {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *MemoryDirectory) Credential(ctx context.Context, ownerID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.credentials[ownerID], nil
}
