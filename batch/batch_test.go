//go:build integration

package batch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/prodogs/docbatch/catalog"
	"github.com/prodogs/docbatch/staging"
	"github.com/prodogs/docbatch/workstore"
)

func startPostgres(t *testing.T, dbName string) (host, port string) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       dbName,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	h, err := c.Host(ctx)
	require.NoError(t, err)
	p, err := c.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return h, p.Port()
}

func setupService(t *testing.T) (*Service, *catalog.DB, *workstore.DB) {
	ctx := t.Context()

	chost, cport := startPostgres(t, "catalog")
	catalogDB, err := catalog.Open(fmt.Sprintf("host=%s port=%s user=testuser password=testpass dbname=catalog sslmode=disable", chost, cport))
	require.NoError(t, err)
	require.NoError(t, catalogDB.Migrate())

	whost, wport := startPostgres(t, "work")
	workDB, err := workstore.Open(ctx, fmt.Sprintf("postgres://testuser:testpass@%s:%s/work?sslmode=disable", whost, wport))
	require.NoError(t, err)
	require.NoError(t, workDB.Migrate(ctx))
	t.Cleanup(func() { workDB.Close() })

	stagingSvc := staging.New(catalogDB, workDB, logrus.NewEntry(logrus.New()))
	return New(catalogDB, workDB, stagingSvc), catalogDB, workDB
}

func TestFanIn_CompletesOnceAllResponsesAreTerminal(t *testing.T) {
	svc, catalogDB, workDB := setupService(t)
	ctx := t.Context()

	b, err := catalogDB.CreateBatch(ctx, "fan-in", "", catalog.ConfigSnapshot{})
	require.NoError(t, err)
	require.NoError(t, catalogDB.BeginStaging(ctx, b.ID))
	require.NoError(t, catalogDB.FinishStaging(ctx, b.ID, true, 1))
	require.NoError(t, catalogDB.BeginAnalyzing(ctx, b.ID))

	require.NoError(t, workDB.UpsertQueued(ctx, b.ID, 1, workstore.DocumentKey(b.ID, 1), 1, 1, []byte(`{}`)))
	leased, err := workDB.LeaseResponses(ctx, b.ID, 10)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	done, err := svc.FanIn(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, done, "a batch with an in-flight response must not complete")

	require.NoError(t, workDB.CompleteResponse(ctx, leased[0].ID, "ok", nil, 1, 1, 1, nil))
	done, err = svc.FanIn(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, done)

	got, err := catalogDB.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.BatchCompleted, got.Status)
}

func TestFanIn_EmptyBatchNeverCompletes(t *testing.T) {
	svc, catalogDB, _ := setupService(t)
	ctx := t.Context()

	b, err := catalogDB.CreateBatch(ctx, "no responses", "", catalog.ConfigSnapshot{})
	require.NoError(t, err)
	require.NoError(t, catalogDB.BeginStaging(ctx, b.ID))
	require.NoError(t, catalogDB.FinishStaging(ctx, b.ID, true, 0))
	require.NoError(t, catalogDB.BeginAnalyzing(ctx, b.ID))

	done, err := svc.FanIn(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, done, "a batch with zero responses must never be reported as complete by fan-in alone")
}

func TestFanIn_ConcurrentWinnersDoNotError(t *testing.T) {
	svc, catalogDB, workDB := setupService(t)
	ctx := t.Context()

	b, err := catalogDB.CreateBatch(ctx, "concurrent", "", catalog.ConfigSnapshot{})
	require.NoError(t, err)
	require.NoError(t, catalogDB.BeginStaging(ctx, b.ID))
	require.NoError(t, catalogDB.FinishStaging(ctx, b.ID, true, 1))
	require.NoError(t, catalogDB.BeginAnalyzing(ctx, b.ID))
	require.NoError(t, workDB.UpsertQueued(ctx, b.ID, 1, workstore.DocumentKey(b.ID, 1), 1, 1, []byte(`{}`)))
	leased, err := workDB.LeaseResponses(ctx, b.ID, 10)
	require.NoError(t, err)
	require.NoError(t, workDB.CompleteResponse(ctx, leased[0].ID, "ok", nil, 1, 1, 1, nil))

	first, err := svc.FanIn(ctx, b.ID)
	require.NoError(t, err)
	second, err := svc.FanIn(ctx, b.ID)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second, "a second fan-in call after completion must resolve to false, not an error")
}

func TestReset_ReturnsToSavedFromAnyState(t *testing.T) {
	svc, catalogDB, workDB := setupService(t)
	ctx := t.Context()

	b, err := catalogDB.CreateBatch(ctx, "reset from analyzing", "", catalog.ConfigSnapshot{})
	require.NoError(t, err)
	require.NoError(t, catalogDB.BeginStaging(ctx, b.ID))
	require.NoError(t, catalogDB.FinishStaging(ctx, b.ID, true, 2))
	require.NoError(t, catalogDB.BeginAnalyzing(ctx, b.ID))

	require.NoError(t, workDB.UpsertQueued(ctx, b.ID, 1, workstore.DocumentKey(b.ID, 1), 1, 1, []byte(`{}`)))
	leased, err := workDB.LeaseResponses(ctx, b.ID, 10)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.NoError(t, workDB.CompleteResponse(ctx, leased[0].ID, "ok", nil, 1, 1, 1, nil))

	require.NoError(t, svc.Reset(ctx, b.ID))

	got, err := catalogDB.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.BatchSaved, got.Status)

	archives, err := catalogDB.ArchivesForBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, archives, 1, "reset must archive the batch's prior state before clearing it")

	counts, err := workDB.CountResponsesByStatus(ctx, b.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, counts.Total(), "reset must drop every Response row for the batch in W")
}

func TestReset_ThenRestageReproducesOriginalResponseCount(t *testing.T) {
	svc, catalogDB, workDB := setupService(t)
	ctx := t.Context()

	b, err := catalogDB.CreateBatch(ctx, "reset then restage", "", catalog.ConfigSnapshot{})
	require.NoError(t, err)
	require.NoError(t, catalogDB.BeginStaging(ctx, b.ID))
	require.NoError(t, catalogDB.FinishStaging(ctx, b.ID, true, 1))
	require.NoError(t, catalogDB.BeginAnalyzing(ctx, b.ID))

	docKey := workstore.DocumentKey(b.ID, 1)
	require.NoError(t, workDB.UpsertQueued(ctx, b.ID, 1, docKey, 1, 1, []byte(`{}`)))
	leased, err := workDB.LeaseResponses(ctx, b.ID, 10)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.NoError(t, workDB.CompleteResponse(ctx, leased[0].ID, "ok", nil, 1, 1, 1, nil))

	require.NoError(t, svc.Reset(ctx, b.ID))

	// Re-staging must produce a fresh QUEUED row, not be silently skipped by
	// UpsertQueued's ON CONFLICT DO NOTHING against a row that should no
	// longer exist.
	require.NoError(t, workDB.UpsertQueued(ctx, b.ID, 1, docKey, 1, 1, []byte(`{}`)))

	counts, err := workDB.CountResponsesByStatus(ctx, b.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Total())
	assert.EqualValues(t, 1, counts.Queued)
}
