//go:build integration

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/prodogs/docbatch/batch"
	"github.com/prodogs/docbatch/cache"
	"github.com/prodogs/docbatch/catalog"
	"github.com/prodogs/docbatch/connection"
	"github.com/prodogs/docbatch/llmclient"
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

func setupProcessor(t *testing.T, maxConcurrent int) (*Processor, *catalog.DB, *workstore.DB, *batch.Service) {
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

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	log := logrus.NewEntry(logrus.New())
	stagingSvc := staging.New(catalogDB, workDB, log)
	batchSvc := batch.New(catalogDB, workDB, stagingSvc)
	client := llmclient.New(5 * time.Second)
	breaker := cache.NewBreaker(rdb, "test")
	active := cache.NewActiveTasks(rdb, "test")

	cfg := DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.StuckSweepInterval = time.Hour
	cfg.MaxConcurrent = maxConcurrent
	p := New(cfg, catalogDB, workDB, batchSvc, client, breaker, active, log)
	return p, catalogDB, workDB, batchSvc
}

// fakeLLMServer serves the accept-then-poll wire contract (§6): a POST to
// the base URL accepts synchronously with a task handle, and
// GET /analyze_status/{task_id} reports COMPLETED on the first poll.
func fakeLLMServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var req llmclient.AcceptRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			json.NewEncoder(w).Encode(llmclient.AcceptResponse{TaskID: "remote-1", Status: "accepted"})
			return
		}
		json.NewEncoder(w).Encode(llmclient.PollResponse{
			Status: llmclient.RemoteCompleted,
			Results: []llmclient.Result{{
				ResponseText:     "summary",
				InputTokens:      2,
				OutputTokens:     3,
				TimeTakenSeconds: 1,
			}},
		})
	}))
}

// TestProcessor_DispatchesAndCompletesBatch wires a batch through staging,
// running, and a full scheduler tick cycle against a fake LLM RPC, asserting
// the batch reaches COMPLETED once its single response finishes.
func TestProcessor_DispatchesAndCompletesBatch(t *testing.T) {
	srv := fakeLLMServer(t)
	defer srv.Close()

	p, catalogDB, workDB, batchSvc := setupProcessor(t, 30)
	ctx := t.Context()

	folder, err := catalogDB.CreateFolder(ctx, "f", "/tmp/f")
	require.NoError(t, err)
	doc := &catalog.Document{FolderID: folder.ID, Filepath: "/tmp/f/a.txt", Filename: "a.txt", Valid: catalog.DocumentValid, SizeBytes: 5}
	require.NoError(t, catalogDB.CreateDocument(ctx, doc))
	bodyID, err := workDB.UpsertEncodedBody(ctx, workstore.EncodedBodyKey(doc.ID), "aGVsbG8=", "text/plain", 5)
	require.NoError(t, err)
	require.NoError(t, catalogDB.SetEncodedBody(ctx, doc.ID, bodyID))

	prompt, err := catalogDB.CreatePrompt(ctx, "summarize", "")
	require.NoError(t, err)

	b, err := batchSvc.Save(ctx, "e2e", "", []uint{folder.ID}, nil, []uint{prompt.ID})
	require.NoError(t, err)
	_, err = batchSvc.Stage(ctx, b.ID)
	require.NoError(t, err)
	require.NoError(t, batchSvc.Run(ctx, b.ID))

	snap := connection.NewSnapshot(1, connection.Input{ProviderType: "ollama", BaseURL: srv.URL, ModelName: "m"}, time.Now())
	raw, err := snap.Marshal()
	require.NoError(t, err)
	require.NoError(t, workDB.UpsertQueued(ctx, b.ID, doc.ID, workstore.DocumentKey(b.ID, doc.ID), prompt.ID, 1, raw))

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	p.Start(runCtx, b.ID)

	require.Eventually(t, func() bool {
		got, err := catalogDB.GetBatch(ctx, b.ID)
		return err == nil && got.Status == catalog.BatchCompleted
	}, 3*time.Second, 50*time.Millisecond)

	p.Stop()
}

// TestProcessor_CircuitBreakerSkipsFailingConnection dispatches against a
// server that always errors and asserts the breaker opens after enough
// consecutive failures, leaving later responses FAILED without ever calling
// the LLM RPC again.
func TestProcessor_CircuitBreakerSkipsFailingConnection(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p, catalogDB, workDB, batchSvc := setupProcessor(t, 1)
	ctx := t.Context()

	folder, err := catalogDB.CreateFolder(ctx, "f2", "/tmp/f2")
	require.NoError(t, err)
	prompt, err := catalogDB.CreatePrompt(ctx, "summarize", "")
	require.NoError(t, err)

	var docIDs []uint
	for i := 0; i < 6; i++ {
		doc := &catalog.Document{FolderID: folder.ID, Filepath: fmt.Sprintf("/tmp/f2/%d.txt", i), Filename: fmt.Sprintf("%d.txt", i), Valid: catalog.DocumentValid, SizeBytes: 5}
		require.NoError(t, catalogDB.CreateDocument(ctx, doc))
		bodyID, err := workDB.UpsertEncodedBody(ctx, workstore.EncodedBodyKey(doc.ID), "aGVsbG8=", "text/plain", 5)
		require.NoError(t, err)
		require.NoError(t, catalogDB.SetEncodedBody(ctx, doc.ID, bodyID))
		docIDs = append(docIDs, doc.ID)
	}

	b, err := batchSvc.Save(ctx, "breaker", "", []uint{folder.ID}, nil, []uint{prompt.ID})
	require.NoError(t, err)
	_, err = batchSvc.Stage(ctx, b.ID)
	require.NoError(t, err)
	require.NoError(t, batchSvc.Run(ctx, b.ID))

	snap := connection.NewSnapshot(1, connection.Input{ProviderType: "ollama", BaseURL: srv.URL, ModelName: "m"}, time.Now())
	raw, err := snap.Marshal()
	require.NoError(t, err)
	for _, docID := range docIDs {
		require.NoError(t, workDB.UpsertQueued(ctx, b.ID, docID, workstore.DocumentKey(b.ID, docID), prompt.ID, 1, raw))
	}

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	p.Start(runCtx, b.ID)

	require.Eventually(t, func() bool {
		got, err := catalogDB.GetBatch(ctx, b.ID)
		return err == nil && got.Status == catalog.BatchCompleted
	}, 4*time.Second, 50*time.Millisecond)
	p.Stop()

	require.Less(t, calls, 6, "the breaker must have skipped at least one dispatch once it opened")
}
