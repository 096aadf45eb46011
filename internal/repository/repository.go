package repository

import (
	"context"

	"github.com/splax/deployments/internal/domain"
)

// DeploymentRepository persists deployment records and owns id assignment.
// Absence is a normal outcome reported through the boolean results; the
// error result is reserved for storage failures.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, input domain.DeploymentInput) (domain.Deployment, error)
	ListDeployments(ctx context.Context, filter domain.DeploymentFilter) ([]domain.Deployment, error)
	GetDeploymentByID(ctx context.Context, id int64) (domain.Deployment, bool, error)
	UpdateDeployment(ctx context.Context, id int64, patch domain.DeploymentPatch) (domain.Deployment, bool, error)
	DeleteDeployment(ctx context.Context, id int64) (bool, error)
}

// HealthChecker is implemented by stores that can verify their backing storage.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
