package workstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Response status values (§2).
const (
	StatusQueued     = "QUEUED"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusTimeout    = "TIMEOUT"
)

// Response is one (document, prompt, connection) unit of work.
type Response struct {
	ID                  string
	BatchID             uint
	DocumentKey         string
	DocumentID          uint
	PromptID            uint
	ConnectionID        uint
	ConnectionSnapshot  []byte
	Status              string
	TaskID              *string // local lease id, stamped by LeaseResponses
	RemoteTaskID        *string // the LLM RPC's own task handle, from the accept response
	ResponseText        *string
	ResponseJSON        []byte
	ErrorMessage        *string
	InputTokens         *int
	OutputTokens        *int
	TimeTakenSeconds    *float64
	TokensPerSecond     *float64
	OverallScore        *float64
	StartedProcessingAt *time.Time
	CompletedAt         *time.Time
}

// UpsertQueued materializes a QUEUED response row for one
// (document, prompt, connection) triple. ON CONFLICT DO NOTHING makes
// re-staging a batch idempotent (§4.5): existing rows, including ones
// already COMPLETED, are left untouched.
func (d *DB) UpsertQueued(ctx context.Context, batchID, documentID uint, documentKey string, promptID, connectionID uint, connectionSnapshot []byte) error {
	const q = `
		INSERT INTO responses (id, batch_id, document_key, document_id, prompt_id, connection_id, connection_snapshot, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (document_key, prompt_id, connection_id) DO NOTHING`
	_, err := d.pool.Exec(ctx, q, uuid.NewString(), batchID, documentKey, documentID, promptID, connectionID, connectionSnapshot, StatusQueued)
	if err != nil {
		return fmt.Errorf("workstore: upsert queued response: %w", err)
	}
	return nil
}

// LeaseResponses claims up to limit QUEUED rows for a batch, transitioning
// them to PROCESSING and stamping task_id + started_processing_at. Uses
// FOR UPDATE SKIP LOCKED so concurrent queue ticks (or, eventually,
// multiple processor instances) never double-lease the same row.
//
// Grounded on the teacher's Redis-queue lease pattern (queue/redis/queue.go)
// translated to its SQL equivalent, since Response rows live in Postgres.
func (d *DB) LeaseResponses(ctx context.Context, batchID uint, limit int) ([]Response, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("workstore: lease begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const sel = `
		SELECT id, document_key, document_id, prompt_id, connection_id, connection_snapshot
		FROM responses
		WHERE batch_id = $1 AND status = $2
		ORDER BY created_at
		LIMIT $3
		FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, sel, batchID, StatusQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("workstore: lease select: %w", err)
	}

	var leased []Response
	for rows.Next() {
		var r Response
		if err := rows.Scan(&r.ID, &r.DocumentKey, &r.DocumentID, &r.PromptID, &r.ConnectionID, &r.ConnectionSnapshot); err != nil {
			rows.Close()
			return nil, fmt.Errorf("workstore: lease scan: %w", err)
		}
		r.BatchID = batchID
		leased = append(leased, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(leased) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]string, len(leased))
	for i := range leased {
		ids[i] = leased[i].ID
		leased[i].TaskID = ptr(uuid.NewString())
	}
	now := time.Now()
	for i := range leased {
		const upd = `
			UPDATE responses SET status = $1, task_id = $2, started_processing_at = $3
			WHERE id = $4`
		if _, err := tx.Exec(ctx, upd, StatusProcessing, leased[i].TaskID, now, leased[i].ID); err != nil {
			return nil, fmt.Errorf("workstore: lease update: %w", err)
		}
		leased[i].Status = StatusProcessing
		leased[i].StartedProcessingAt = &now
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("workstore: lease commit: %w", err)
	}
	return leased, nil
}

// RecordRemoteTask stamps the remote task handle the LLM RPC's accept
// response returned, distinct from the local lease id already on the row.
func (d *DB) RecordRemoteTask(ctx context.Context, id, remoteTaskID string) error {
	const q = `UPDATE responses SET remote_task_id = $1 WHERE id = $2 AND status = $3`
	_, err := d.pool.Exec(ctx, q, remoteTaskID, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("workstore: record remote task: %w", err)
	}
	return nil
}

// CompleteResponse records a successful LLM result, computing
// tokens_per_second = output_tokens / time_taken_seconds (null when the
// denominator is not positive, per §4.7). The WHERE clause on status =
// PROCESSING guards against writing into a row a concurrent reset already
// deleted or re-queued.
func (d *DB) CompleteResponse(ctx context.Context, id string, responseText string, responseJSON []byte, inputTokens, outputTokens int, timeTakenSeconds float64, overallScore *float64) error {
	var tokensPerSecond *float64
	if timeTakenSeconds > 0 {
		v := float64(outputTokens) / timeTakenSeconds
		tokensPerSecond = &v
	}

	const q = `
		UPDATE responses SET status = $1, response_text = $2, response_json = $3,
			input_tokens = $4, output_tokens = $5, time_taken_seconds = $6,
			tokens_per_second = $7, overall_score = $8, completed_at = $9
		WHERE id = $10 AND status = $11`
	now := time.Now()
	_, err := d.pool.Exec(ctx, q, StatusCompleted, responseText, responseJSON,
		inputTokens, outputTokens, timeTakenSeconds, tokensPerSecond, overallScore, now, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("workstore: complete response: %w", err)
	}
	// 0 rows affected means a reset already deleted the row, or another
	// writer already completed it; silently discarded per §4.7 cancellation.
	return nil
}

// FailResponse records a terminal failure (dispatch error or exhausted
// retries). Guarded on status = PROCESSING so a late write against a row a
// reset already deleted, or one the reaper/recovery already terminated,
// is silently discarded rather than clobbering a newer status (§4.7).
func (d *DB) FailResponse(ctx context.Context, id, errorMessage string) error {
	const q = `
		UPDATE responses SET status = $1, error_message = $2, completed_at = $3
		WHERE id = $4 AND status = $5`
	_, err := d.pool.Exec(ctx, q, StatusFailed, errorMessage, time.Now(), id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("workstore: fail response: %w", err)
	}
	return nil
}

// TimeoutStaleProcessing marks PROCESSING rows whose started_processing_at
// predates the cutoff as TIMEOUT, returning how many were reaped. This is
// the ordinary stuck-task reaper's path (§4.7), run continuously by the
// Queue Processor. The Recovery Service uses the distinct
// MarkStuckProcessingFailed instead — see its doc comment for why the two
// must not share a terminal status.
func (d *DB) TimeoutStaleProcessing(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `
		UPDATE responses SET status = $1, error_message = 'stuck processing timeout', completed_at = now()
		WHERE status = $2 AND (started_processing_at IS NULL OR started_processing_at < $3)`
	tag, err := d.pool.Exec(ctx, q, StatusTimeout, StatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("workstore: timeout stale processing: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkStuckProcessingFailed is the Recovery Service's startup reconciliation
// path (§4.8 step 2): it marks PROCESSING rows whose started_processing_at
// is null or older than staleAfter as FAILED, not TIMEOUT, with a
// recovery-marker error message distinct from the reaper's, so a FAILED row
// is visibly attributable to startup reconciliation rather than ordinary
// in-flight timeout during an audit.
func (d *DB) MarkStuckProcessingFailed(ctx context.Context, staleAfter time.Time) (int64, error) {
	const q = `
		UPDATE responses SET status = $1,
			error_message = 'recovery-marker: stale PROCESSING response found during startup reconciliation',
			completed_at = now()
		WHERE status = $2 AND (started_processing_at IS NULL OR started_processing_at < $3)`
	tag, err := d.pool.Exec(ctx, q, StatusFailed, StatusProcessing, staleAfter)
	if err != nil {
		return 0, fmt.Errorf("workstore: mark stuck processing failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteResponsesForBatch drops every Response row for a batch. The Batch
// State Machine's reset rule (§4.6) requires this so re-staging after a
// reset reproduces the original response count exactly instead of leaving
// UpsertQueued's ON CONFLICT DO NOTHING silently skip every row that was
// already COMPLETED/FAILED/TIMEOUT before the reset.
func (d *DB) DeleteResponsesForBatch(ctx context.Context, batchID uint) (int64, error) {
	const q = `DELETE FROM responses WHERE batch_id = $1`
	tag, err := d.pool.Exec(ctx, q, batchID)
	if err != nil {
		return 0, fmt.Errorf("workstore: delete responses for batch: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountCompletedSince tallies responses that reached COMPLETED at or after
// since, the basis of the Monitoring Surface's last-hour throughput metric.
func (d *DB) CountCompletedSince(ctx context.Context, since time.Time) (int64, error) {
	const q = `SELECT count(*) FROM responses WHERE status = $1 AND completed_at >= $2`
	var n int64
	if err := d.pool.QueryRow(ctx, q, StatusCompleted, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("workstore: count completed since: %w", err)
	}
	return n, nil
}

// ResponseCounts tallies responses for a batch by status, used by the
// fan-in check and the Monitoring Surface.
type ResponseCounts struct {
	Queued     int64
	Processing int64
	Completed  int64
	Failed     int64
	Timeout    int64
}

// Total returns the sum of all counted responses.
func (c ResponseCounts) Total() int64 {
	return c.Queued + c.Processing + c.Completed + c.Failed + c.Timeout
}

// Terminal returns the count of responses that will never change again.
func (c ResponseCounts) Terminal() int64 {
	return c.Completed + c.Failed + c.Timeout
}

// CountResponsesByStatus tallies a batch's responses by status.
func (d *DB) CountResponsesByStatus(ctx context.Context, batchID uint) (ResponseCounts, error) {
	const q = `SELECT status, count(*) FROM responses WHERE batch_id = $1 GROUP BY status`
	rows, err := d.pool.Query(ctx, q, batchID)
	if err != nil {
		return ResponseCounts{}, fmt.Errorf("workstore: count responses: %w", err)
	}
	defer rows.Close()

	var counts ResponseCounts
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return ResponseCounts{}, err
		}
		switch status {
		case StatusQueued:
			counts.Queued = n
		case StatusProcessing:
			counts.Processing = n
		case StatusCompleted:
			counts.Completed = n
		case StatusFailed:
			counts.Failed = n
		case StatusTimeout:
			counts.Timeout = n
		}
	}
	return counts, rows.Err()
}

// ResponsesForBatch lists every response for a batch, for the
// GET /batches/{id}/responses surface.
func (d *DB) ResponsesForBatch(ctx context.Context, batchID uint) ([]Response, error) {
	const q = `
		SELECT id, document_key, document_id, prompt_id, connection_id, status, task_id, remote_task_id,
			response_text, response_json, error_message, input_tokens, output_tokens,
			time_taken_seconds, tokens_per_second, overall_score,
			started_processing_at, completed_at
		FROM responses WHERE batch_id = $1 ORDER BY created_at`
	rows, err := d.pool.Query(ctx, q, batchID)
	if err != nil {
		return nil, fmt.Errorf("workstore: responses for batch: %w", err)
	}
	defer rows.Close()

	var out []Response
	for rows.Next() {
		var r Response
		if err := rows.Scan(&r.ID, &r.DocumentKey, &r.DocumentID, &r.PromptID, &r.ConnectionID, &r.Status, &r.TaskID, &r.RemoteTaskID,
			&r.ResponseText, &r.ResponseJSON, &r.ErrorMessage, &r.InputTokens, &r.OutputTokens,
			&r.TimeTakenSeconds, &r.TokensPerSecond, &r.OverallScore,
			&r.StartedProcessingAt, &r.CompletedAt); err != nil {
			return nil, err
		}
		r.BatchID = batchID
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetResponse loads a single response by id.
func (d *DB) GetResponse(ctx context.Context, id string) (*Response, error) {
	const q = `
		SELECT id, batch_id, document_key, document_id, prompt_id, connection_id, connection_snapshot, status, task_id, remote_task_id
		FROM responses WHERE id = $1`
	var r Response
	err := d.pool.QueryRow(ctx, q, id).Scan(&r.ID, &r.BatchID, &r.DocumentKey, &r.DocumentID, &r.PromptID, &r.ConnectionID,
		&r.ConnectionSnapshot, &r.Status, &r.TaskID, &r.RemoteTaskID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("workstore: response %s: %w", id, err)
		}
		return nil, fmt.Errorf("workstore: get response: %w", err)
	}
	return &r, nil
}

// Ping verifies the Work store connection is alive, for the Monitoring
// Surface's health check (§4.9).
func (d *DB) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

func ptr[T any](v T) *T { return &v }
