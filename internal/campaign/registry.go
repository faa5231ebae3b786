package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// errUnchanged aborts a store update without reporting a failure
var errUnchanged = errors.New("unchanged")

// CreateParams describes a new campaign
type CreateParams struct {
	ID           string
	OwnerID      string
	Kind         Kind
	InstanceIDs  []string
	TotalTargets int
}

// Registry holds campaign state on top of a Store.
// Each campaign is written only by its own task; the store serialises
// writes so concurrent campaigns never see each other's state.
type Registry struct {
	store Store
	now   func() time.Time
}

// NewRegistry creates a registry backed by store
func NewRegistry(store Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

// Store returns the backing store
func (r *Registry) Store() Store {
	return r.store
}

// Create registers a new campaign. An empty ID gets a generated one.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*Campaign, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Kind == "" {
		p.Kind = KindBroadcast
	}
	if p.TotalTargets < 0 {
		p.TotalTargets = 0
	}

	now := r.now()
	c := &Campaign{
		ID:           p.ID,
		OwnerID:      p.OwnerID,
		Kind:         p.Kind,
		InstanceIDs:  append([]string(nil), p.InstanceIDs...),
		TotalTargets: p.TotalTargets,
		SuccessList:  []string{},
		ErrorList:    []Failure{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := r.store.Insert(ctx, c); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, p.ID)
		}
		return nil, fmt.Errorf("failed to create campaign: %w", err)
	}
	return c.Clone(), nil
}

// Get returns a snapshot of the campaign
func (r *Registry) Get(ctx context.Context, id string) (*Campaign, error) {
	return r.store.Get(ctx, id)
}

// GetOwned returns the campaign only when it belongs to ownerID.
// Foreign campaigns are reported as ErrNotFound.
func (r *Registry) GetOwned(ctx context.Context, id, ownerID string) (*Campaign, error) {
	c, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return c, nil
}

// RequestStop sets the stop flag. Completed campaigns are left untouched.
func (r *Registry) RequestStop(ctx context.Context, id string) error {
	return r.update(ctx, id, func(c *Campaign) error {
		if c.Completed || c.StopRequested {
			return errUnchanged
		}
		c.StopRequested = true
		return nil
	})
}

// RecordResult appends one processed item. A nil sendErr is a success.
func (r *Registry) RecordResult(ctx context.Context, id, recipient string, sendErr error) error {
	return r.update(ctx, id, func(c *Campaign) error {
		if c.Completed {
			return errUnchanged
		}
		if sendErr == nil {
			c.SuccessList = append(c.SuccessList, recipient)
		} else {
			c.ErrorList = append(c.ErrorList, Failure{
				Recipient:    recipient,
				ErrorMessage: sendErr.Error(),
			})
		}
		c.CurrentIndex = len(c.SuccessList) + len(c.ErrorList)
		return nil
	})
}

// UpdateProgress replaces the warm-up progress snapshot
func (r *Registry) UpdateProgress(ctx context.Context, id string, p Progress) error {
	return r.update(ctx, id, func(c *Campaign) error {
		if c.Completed {
			return errUnchanged
		}
		cp := p
		cp.Partners = append([]string(nil), p.Partners...)
		c.Progress = &cp
		return nil
	})
}

// MarkCompleted freezes the campaign
func (r *Registry) MarkCompleted(ctx context.Context, id string) error {
	return r.update(ctx, id, func(c *Campaign) error {
		if c.Completed {
			return errUnchanged
		}
		c.Completed = true
		c.CompletedAt = r.now()
		return nil
	})
}

// CompleteStale marks every unfinished campaign completed. Called at startup,
// before any task runs, for campaigns whose task died with the last process.
func (r *Registry) CompleteStale(ctx context.Context) (int, error) {
	cs, err := r.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list campaigns: %w", err)
	}
	n := 0
	for _, c := range cs {
		if c.Completed {
			continue
		}
		if err := r.MarkCompleted(ctx, c.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return n, err
		}
		n++
	}
	return n, nil
}

// Stopped reports whether the runner of id should exit.
// Missing campaigns count as stopped.
func (r *Registry) Stopped(ctx context.Context, id string) bool {
	c, err := r.store.Get(ctx, id)
	if err != nil {
		return true
	}
	return c.StopRequested || c.Completed
}

// ListByOwner returns summaries of the owner's campaigns, newest first
func (r *Registry) ListByOwner(ctx context.Context, ownerID string) ([]Summary, error) {
	cs, err := r.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	out := make([]Summary, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Summary())
	}
	return out, nil
}

// Remove deletes a campaign; absent ids are ignored
func (r *Registry) Remove(ctx context.Context, id string) error {
	return r.store.Delete(ctx, id)
}

func (r *Registry) update(ctx context.Context, id string, fn func(c *Campaign) error) error {
	err := r.store.Update(ctx, id, func(c *Campaign) error {
		if err := fn(c); err != nil {
			return err
		}
		c.UpdatedAt = r.now()
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	return err
}
