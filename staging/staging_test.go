//go:build integration

package staging

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
	"github.com/prodogs/docbatch/workstore"
)

// startPostgres launches one disposable Postgres and returns its host/port,
// so the caller can build whichever DSN form its driver expects.
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

func setupStores(t *testing.T) (*catalog.DB, *workstore.DB) {
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

	return catalogDB, workDB
}

func newTestLogger() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

func TestStage_QueuesResponsesForEveryDocumentPromptConnection(t *testing.T) {
	catalogDB, workDB := setupStores(t)
	ctx := t.Context()

	folder, err := catalogDB.CreateFolder(ctx, "f1", "/tmp/f1")
	require.NoError(t, err)

	doc1 := &catalog.Document{FolderID: folder.ID, Filepath: "/tmp/f1/a.txt", Filename: "a.txt", Valid: catalog.DocumentValid, SizeBytes: 10}
	require.NoError(t, catalogDB.CreateDocument(ctx, doc1))
	doc2 := &catalog.Document{FolderID: folder.ID, Filepath: "/tmp/f1/b.txt", Filename: "b.txt", Valid: catalog.DocumentValid, SizeBytes: 10}
	require.NoError(t, catalogDB.CreateDocument(ctx, doc2))

	for _, d := range []*catalog.Document{doc1, doc2} {
		id, err := workDB.UpsertEncodedBody(ctx, workstore.EncodedBodyKey(d.ID), "aGVsbG8=", "text/plain", 5)
		require.NoError(t, err)
		require.NoError(t, catalogDB.SetEncodedBody(ctx, d.ID, id))
	}

	prompt, err := catalogDB.CreatePrompt(ctx, "summarize", "")
	require.NoError(t, err)
	conn, err := catalogDB.CreateConnection(ctx, catalog.Connection{Name: "c1", BaseURL: "http://localhost", IsActive: true})
	require.NoError(t, err)

	batchObj, err := catalogDB.CreateBatch(ctx, "b1", "", catalog.ConfigSnapshot{
		FolderIDs: []uint{folder.ID}, ConnectionIDs: []uint{conn.ID}, PromptIDs: []uint{prompt.ID},
	})
	require.NoError(t, err)

	svc := New(catalogDB, workDB, newTestLogger())
	result, err := svc.Stage(ctx, batchObj.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.DocumentsStaged)
	assert.Equal(t, 2, result.ResponsesQueued)

	counts, err := workDB.CountResponsesByStatus(ctx, batchObj.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Queued)

	got, err := catalogDB.GetBatch(ctx, batchObj.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.BatchStaged, got.Status)
}

func TestStage_IsIdempotent(t *testing.T) {
	catalogDB, workDB := setupStores(t)
	ctx := t.Context()

	folder, err := catalogDB.CreateFolder(ctx, "f2", "/tmp/f2")
	require.NoError(t, err)
	doc := &catalog.Document{FolderID: folder.ID, Filepath: "/tmp/f2/a.txt", Filename: "a.txt", Valid: catalog.DocumentValid, SizeBytes: 10}
	require.NoError(t, catalogDB.CreateDocument(ctx, doc))
	bodyID, err := workDB.UpsertEncodedBody(ctx, workstore.EncodedBodyKey(doc.ID), "aGVsbG8=", "text/plain", 5)
	require.NoError(t, err)
	require.NoError(t, catalogDB.SetEncodedBody(ctx, doc.ID, bodyID))

	prompt, err := catalogDB.CreatePrompt(ctx, "summarize", "")
	require.NoError(t, err)
	conn, err := catalogDB.CreateConnection(ctx, catalog.Connection{Name: "c1", BaseURL: "http://localhost", IsActive: true})
	require.NoError(t, err)
	batchObj, err := catalogDB.CreateBatch(ctx, "b2", "", catalog.ConfigSnapshot{
		FolderIDs: []uint{folder.ID}, ConnectionIDs: []uint{conn.ID}, PromptIDs: []uint{prompt.ID},
	})
	require.NoError(t, err)

	svc := New(catalogDB, workDB, newTestLogger())
	first, err := svc.Stage(ctx, batchObj.ID)
	require.NoError(t, err)

	// Force the batch back to SAVED to simulate re-staging without a reset,
	// which the original's reprocess_existing_batch_staging path allows.
	require.NoError(t, catalogDB.ForceStatus(ctx, batchObj.ID, catalog.BatchSaved, nil))
	second, err := svc.Stage(ctx, batchObj.ID)
	require.NoError(t, err)

	assert.Equal(t, first.ResponsesQueued, second.ResponsesQueued, "re-staging must not duplicate response rows")
	counts, err := workDB.CountResponsesByStatus(ctx, batchObj.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Total(), "re-staging must not duplicate response rows")
}
