// Package repotest holds the behavioural suite every DeploymentRepository must pass.
package repotest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/deployments/internal/domain"
	"github.com/splax/deployments/internal/repository"
)

// Factory returns an empty repository for one subtest.
type Factory func(t *testing.T) repository.DeploymentRepository

const missingID int64 = 987654321

// Run executes the suite against repositories produced by newRepo.
func Run(t *testing.T, newRepo Factory) {
	t.Run("CreateThenGet", func(t *testing.T) { testCreateThenGet(t, newRepo(t)) })
	t.Run("ListEmpty", func(t *testing.T) { testListEmpty(t, newRepo(t)) })
	t.Run("ListReflectsCreatesAndDeletes", func(t *testing.T) { testListReflectsCreatesAndDeletes(t, newRepo(t)) })
	t.Run("ListFilter", func(t *testing.T) { testListFilter(t, newRepo(t)) })
	t.Run("PartialUpdatePreservesOmittedFields", func(t *testing.T) { testPartialUpdate(t, newRepo(t)) })
	t.Run("UpdateRefreshesTimestamp", func(t *testing.T) { testUpdateRefreshesTimestamp(t, newRepo(t)) })
	t.Run("NotFoundIsConsistent", func(t *testing.T) { testNotFound(t, newRepo(t)) })
	t.Run("DeleteIsTerminal", func(t *testing.T) { testDeleteIsTerminal(t, newRepo(t)) })
	t.Run("ConcurrentCreatesGetDistinctIDs", func(t *testing.T) { testConcurrentCreates(t, newRepo(t)) })
}

func strPtr(s string) *string { return &s }

func mustCreate(t *testing.T, repo repository.DeploymentRepository, name, version, env string) domain.Deployment {
	t.Helper()
	d, err := repo.CreateDeployment(context.Background(), domain.DeploymentInput{Name: name, Version: version, Environment: env})
	require.NoError(t, err)
	return d
}

func testCreateThenGet(t *testing.T, repo repository.DeploymentRepository) {
	ctx := context.Background()
	created := mustCreate(t, repo, "api", "1.0", "dev")

	assert.Positive(t, created.ID)
	assert.Equal(t, "api", created.Name)
	assert.Equal(t, "1.0", created.Version)
	assert.Equal(t, "dev", created.Environment)
	assert.False(t, created.CreatedAt.IsZero(), "created_at must be set")
	assert.False(t, created.UpdatedAt.IsZero(), "updated_at must be set")

	got, found, err := repo.GetDeploymentByID(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, created.Name, got.Name)
	assert.Equal(t, created.Version, got.Version)
	assert.Equal(t, created.Environment, got.Environment)
	assert.True(t, created.CreatedAt.Equal(got.CreatedAt), "created_at changed: %v vs %v", created.CreatedAt, got.CreatedAt)

	// duplicates are allowed
	dup := mustCreate(t, repo, "api", "1.0", "dev")
	assert.NotEqual(t, created.ID, dup.ID)
	assert.Greater(t, dup.ID, created.ID)
}

func testListEmpty(t *testing.T, repo repository.DeploymentRepository) {
	items, err := repo.ListDeployments(context.Background(), domain.DeploymentFilter{})
	require.NoError(t, err)
	require.NotNil(t, items)
	assert.Empty(t, items)
}

func testListReflectsCreatesAndDeletes(t *testing.T, repo repository.DeploymentRepository) {
	ctx := context.Background()
	count := func() int {
		items, err := repo.ListDeployments(ctx, domain.DeploymentFilter{})
		require.NoError(t, err)
		return len(items)
	}

	a := mustCreate(t, repo, "a", "1", "dev")
	assert.Equal(t, 1, count())
	b := mustCreate(t, repo, "b", "1", "dev")
	assert.Equal(t, 2, count())
	c := mustCreate(t, repo, "c", "1", "dev")
	assert.Equal(t, 3, count())

	items, err := repo.ListDeployments(ctx, domain.DeploymentFilter{})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []int64{a.ID, b.ID, c.ID}, []int64{items[0].ID, items[1].ID, items[2].ID}, "insertion order")

	deleted, err := repo.DeleteDeployment(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, deleted)
	assert.Equal(t, 2, count())

	deleted, err = repo.DeleteDeployment(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Equal(t, 2, count())
}

func testListFilter(t *testing.T, repo repository.DeploymentRepository) {
	ctx := context.Background()
	mustCreate(t, repo, "api", "1.0", "dev")
	mustCreate(t, repo, "api", "1.1", "prod")
	mustCreate(t, repo, "web", "2.0", "prod")

	prod, err := repo.ListDeployments(ctx, domain.DeploymentFilter{Environment: "prod"})
	require.NoError(t, err)
	assert.Len(t, prod, 2)

	apiProd, err := repo.ListDeployments(ctx, domain.DeploymentFilter{Name: "api", Environment: "prod"})
	require.NoError(t, err)
	require.Len(t, apiProd, 1)
	assert.Equal(t, "1.1", apiProd[0].Version)

	none, err := repo.ListDeployments(ctx, domain.DeploymentFilter{Name: "worker"})
	require.NoError(t, err)
	require.NotNil(t, none)
	assert.Empty(t, none)
}

func testPartialUpdate(t *testing.T, repo repository.DeploymentRepository) {
	ctx := context.Background()
	created := mustCreate(t, repo, "api", "1.0", "dev")

	updated, found, err := repo.UpdateDeployment(ctx, created.ID, domain.DeploymentPatch{Version: strPtr("1.1")})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "1.1", updated.Version)
	assert.Equal(t, "api", updated.Name)
	assert.Equal(t, "dev", updated.Environment)
	assert.True(t, created.CreatedAt.Equal(updated.CreatedAt), "created_at must be immutable")

	got, found, err := repo.GetDeploymentByID(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1.1", got.Version)
	assert.Equal(t, "api", got.Name)

	updated, found, err = repo.UpdateDeployment(ctx, created.ID, domain.DeploymentPatch{Name: strPtr("gateway"), Environment: strPtr("prod")})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "gateway", updated.Name)
	assert.Equal(t, "1.1", updated.Version)
	assert.Equal(t, "prod", updated.Environment)
}

func testUpdateRefreshesTimestamp(t *testing.T, repo repository.DeploymentRepository) {
	ctx := context.Background()
	created := mustCreate(t, repo, "api", "1.0", "dev")

	first, found, err := repo.UpdateDeployment(ctx, created.ID, domain.DeploymentPatch{Version: strPtr("1.1")})
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, first.UpdatedAt.Before(created.UpdatedAt), "updated_at went backwards")

	second, found, err := repo.UpdateDeployment(ctx, created.ID, domain.DeploymentPatch{})
	require.NoError(t, err)
	require.True(t, found, "empty patch on an existing record succeeds")
	assert.False(t, second.UpdatedAt.Before(first.UpdatedAt), "updated_at went backwards on empty patch")
	assert.Equal(t, "1.1", second.Version)
}

func testNotFound(t *testing.T, repo repository.DeploymentRepository) {
	ctx := context.Background()

	_, found, err := repo.GetDeploymentByID(ctx, missingID)
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = repo.UpdateDeployment(ctx, missingID, domain.DeploymentPatch{Name: strPtr("x")})
	require.NoError(t, err)
	assert.False(t, found)

	deleted, err := repo.DeleteDeployment(ctx, missingID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func testDeleteIsTerminal(t *testing.T, repo repository.DeploymentRepository) {
	ctx := context.Background()
	created := mustCreate(t, repo, "worker", "1.0", "qa")

	deleted, err := repo.DeleteDeployment(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, deleted)

	_, found, err := repo.GetDeploymentByID(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = repo.UpdateDeployment(ctx, created.ID, domain.DeploymentPatch{Version: strPtr("2.0")})
	require.NoError(t, err)
	assert.False(t, found)

	deleted, err = repo.DeleteDeployment(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	for i := 0; i < 3; i++ {
		next := mustCreate(t, repo, "worker", "1.0", "qa")
		assert.NotEqual(t, created.ID, next.ID, "deleted id must not be reused")
		assert.Greater(t, next.ID, created.ID)
	}
	_, found, err = repo.GetDeploymentByID(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, found, "deleted record resurrected")
}

func testConcurrentCreates(t *testing.T, repo repository.DeploymentRepository) {
	const workers = 32
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[int64]struct{}, workers)
	)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := repo.CreateDeployment(context.Background(), domain.DeploymentInput{Name: "svc", Version: "1", Environment: "dev"})
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			ids[d.ID] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, ids, workers, "ids must be unique under concurrent creates")
}
