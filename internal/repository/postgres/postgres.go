package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/deployments/internal/domain"
	"github.com/splax/deployments/internal/repository"
)

const deploymentColumns = `id, name, version, environment, created_at, updated_at`

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.HealthChecker        = (*Repository)(nil)
)

// CreateDeployment inserts a deployment; the id and timestamps are assigned by the database.
func (r *Repository) CreateDeployment(ctx context.Context, input domain.DeploymentInput) (domain.Deployment, error) {
	const query = `INSERT INTO deployments (name, version, environment)
		VALUES ($1, $2, $3)
		RETURNING ` + deploymentColumns
	row := r.pool.QueryRow(ctx, query, input.Name, input.Version, input.Environment)
	d, err := scanDeployment(row)
	if err != nil {
		return domain.Deployment{}, fmt.Errorf("insert deployment: %w", err)
	}
	return d, nil
}

// ListDeployments returns deployments in id order, optionally filtered by name and environment.
func (r *Repository) ListDeployments(ctx context.Context, filter domain.DeploymentFilter) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments`
	var (
		conditions []string
		args       []any
	)
	if filter.Name != "" {
		args = append(args, filter.Name)
		conditions = append(conditions, fmt.Sprintf("name = $%d", len(args)))
	}
	if filter.Environment != "" {
		args = append(args, filter.Environment)
		conditions = append(conditions, fmt.Sprintf("environment = $%d", len(args)))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deployments: %w", err)
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, id int64) (domain.Deployment, bool, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Deployment{}, false, nil
		}
		return domain.Deployment{}, false, fmt.Errorf("get deployment %d: %w", id, err)
	}
	return d, true, nil
}

// UpdateDeployment applies the patch in a single statement so either every
// provided field is written or none is. updated_at is refreshed even when the
// patch is empty.
func (r *Repository) UpdateDeployment(ctx context.Context, id int64, patch domain.DeploymentPatch) (domain.Deployment, bool, error) {
	const query = `UPDATE deployments
		SET name = COALESCE($2::text, name),
			version = COALESCE($3::text, version),
			environment = COALESCE($4::text, environment),
			updated_at = GREATEST(clock_timestamp(), updated_at)
		WHERE id = $1
		RETURNING ` + deploymentColumns
	row := r.pool.QueryRow(ctx, query, id, patch.Name, patch.Version, patch.Environment)
	d, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Deployment{}, false, nil
		}
		return domain.Deployment{}, false, fmt.Errorf("update deployment %d: %w", id, err)
	}
	return d, true, nil
}

// DeleteDeployment removes a deployment record.
func (r *Repository) DeleteDeployment(ctx context.Context, id int64) (bool, error) {
	const query = `DELETE FROM deployments WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("delete deployment %d: %w", id, err)
	}
	return cmdTag.RowsAffected() > 0, nil
}

// Ping verifies the pool can reach the database.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func scanDeployment(row pgx.Row) (domain.Deployment, error) {
	var d domain.Deployment
	if err := row.Scan(&d.ID, &d.Name, &d.Version, &d.Environment, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return domain.Deployment{}, err
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return d, nil
}
