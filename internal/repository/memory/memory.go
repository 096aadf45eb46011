// Package memory provides a non-persistent deployment store with the same
// observable behaviour as the database-backed ones.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/splax/deployments/internal/domain"
	"github.com/splax/deployments/internal/repository"
)

// Repository keeps deployments in process memory.
type Repository struct {
	mu      sync.RWMutex
	records map[int64]domain.Deployment
	order   []int64
	nextID  int64
	now     func() time.Time
}

// Option customises a Repository.
type Option func(*Repository)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// New returns an empty in-memory repository. Ids start at 1.
func New(opts ...Option) *Repository {
	r := &Repository{
		records: make(map[int64]domain.Deployment),
		nextID:  1,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var (
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.HealthChecker        = (*Repository)(nil)
)

// CreateDeployment stores a new deployment under the next id.
func (r *Repository) CreateDeployment(_ context.Context, input domain.DeploymentInput) (domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	d := domain.Deployment{
		ID:          r.nextID,
		Name:        input.Name,
		Version:     input.Version,
		Environment: input.Environment,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.records[d.ID] = d
	r.order = append(r.order, d.ID)
	r.nextID++
	return d, nil
}

// ListDeployments returns deployments in insertion order.
func (r *Repository) ListDeployments(_ context.Context, filter domain.DeploymentFilter) ([]domain.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	deployments := make([]domain.Deployment, 0, len(r.order))
	for _, id := range r.order {
		d := r.records[id]
		if filter.Matches(d) {
			deployments = append(deployments, d)
		}
	}
	return deployments, nil
}

// GetDeploymentByID returns the deployment when present.
func (r *Repository) GetDeploymentByID(_ context.Context, id int64) (domain.Deployment, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.records[id]
	return d, ok, nil
}

// UpdateDeployment merges the patch into the stored record and refreshes updated_at.
func (r *Repository) UpdateDeployment(_ context.Context, id int64, patch domain.DeploymentPatch) (domain.Deployment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.records[id]
	if !ok {
		return domain.Deployment{}, false, nil
	}
	patch.Apply(&d)
	if now := r.now().UTC(); now.After(d.UpdatedAt) {
		d.UpdatedAt = now
	}
	r.records[id] = d
	return d, true, nil
}

// DeleteDeployment removes the record; the id is never handed out again.
func (r *Repository) DeleteDeployment(_ context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; !ok {
		return false, nil
	}
	delete(r.records, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true, nil
}

// Ping always succeeds.
func (r *Repository) Ping(context.Context) error {
	return nil
}
