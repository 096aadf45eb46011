package deployment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/deployments/internal/domain"
	"github.com/splax/deployments/internal/repository"
	"github.com/splax/deployments/internal/ws"
)

// Service exposes deployment operations on top of a repository and turns
// store-level absence into repository.ErrNotFound.
type Service struct {
	repo   repository.DeploymentRepository
	hub    *ws.Hub
	logger *slog.Logger
	now    func() time.Time
}

// New returns a deployment service. hub may be nil to disable change events.
func New(repo repository.DeploymentRepository, hub *ws.Hub, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{repo: repo, hub: hub, logger: logger, now: time.Now}
}

// List returns every deployment matching filter; never nil.
func (s Service) List(ctx context.Context, filter domain.DeploymentFilter) ([]domain.Deployment, error) {
	s.logger.Info("listing deployments", "name", filter.Name, "environment", filter.Environment)
	items, err := s.repo.ListDeployments(ctx, filter)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Deployment{}
	}
	s.logger.Info("listed deployments", "count", len(items))
	return items, nil
}

// Create stores a new deployment.
func (s Service) Create(ctx context.Context, input domain.DeploymentInput) (domain.Deployment, error) {
	s.logger.Info("creating deployment", "name", input.Name, "environment", input.Environment, "version", input.Version)
	d, err := s.repo.CreateDeployment(ctx, input)
	if err != nil {
		return domain.Deployment{}, err
	}
	s.logger.Info("deployment created", "deployment_id", d.ID)
	s.publish(domain.EventDeploymentCreated, d)
	return d, nil
}

// Get returns the deployment or an error wrapping repository.ErrNotFound.
func (s Service) Get(ctx context.Context, id int64) (domain.Deployment, error) {
	s.logger.Info("fetching deployment", "deployment_id", id)
	d, found, err := s.repo.GetDeploymentByID(ctx, id)
	if err != nil {
		return domain.Deployment{}, err
	}
	if !found {
		return domain.Deployment{}, s.notFound(id)
	}
	s.logger.Info("deployment fetched", "deployment_id", id)
	return d, nil
}

// Update applies a partial update; omitted fields are preserved.
func (s Service) Update(ctx context.Context, id int64, patch domain.DeploymentPatch) (domain.Deployment, error) {
	s.logger.Info("updating deployment", "deployment_id", id, "fields", patch.Fields())
	prior, found, err := s.repo.GetDeploymentByID(ctx, id)
	if err != nil {
		return domain.Deployment{}, err
	}
	if !found {
		return domain.Deployment{}, s.notFound(id)
	}
	d, found, err := s.repo.UpdateDeployment(ctx, id, patch)
	if err != nil {
		return domain.Deployment{}, err
	}
	if !found {
		return domain.Deployment{}, s.notFound(id)
	}
	s.logger.Info("deployment updated", "deployment_id", id)
	// watchers of the previous environment learn the record left it
	s.publish(domain.EventDeploymentUpdated, d, prior.Environment)
	return d, nil
}

// Delete removes the deployment permanently.
func (s Service) Delete(ctx context.Context, id int64) error {
	s.logger.Info("deleting deployment", "deployment_id", id)
	// fetched first only so the deleted event can carry the record
	existing, _, err := s.repo.GetDeploymentByID(ctx, id)
	if err != nil {
		return err
	}
	deleted, err := s.repo.DeleteDeployment(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return s.notFound(id)
	}
	s.logger.Info("deployment deleted", "deployment_id", id)
	if existing.ID == 0 {
		existing.ID = id
	}
	s.publish(domain.EventDeploymentDeleted, existing)
	return nil
}

func (s Service) notFound(id int64) error {
	s.logger.Warn("deployment not found", "deployment_id", id)
	return fmt.Errorf("deployment %d: %w", id, repository.ErrNotFound)
}

// publish streams the event to d's environment topic plus any extra topics.
func (s Service) publish(eventType string, d domain.Deployment, extra ...string) {
	if s.hub == nil {
		return
	}
	data, err := MarshalEvent(domain.DeploymentEvent{Type: eventType, Deployment: d, OccurredAt: s.now().UTC()})
	if err != nil {
		s.logger.Warn("failed to marshal deployment event", "error", err)
		return
	}
	s.hub.Publish(data, append([]string{d.Environment}, extra...)...)
}

// MarshalEvent formats a deployment event for streaming payloads.
func MarshalEvent(event domain.DeploymentEvent) ([]byte, error) {
	return json.Marshal(event)
}
