// Package batch wires together the batch lifecycle operations — Save,
// Stage, Run, Reset, and the fan-in completion check — on top of the
// Catalog store's conditional status transitions and the Staging Service.
//
// Grounded on the SAVED -> STAGING -> STAGED -> ANALYZING -> COMPLETED /
// FAILED_STAGING state machine and the RESET escape hatch described by the
// original's Batch model and staging_service.py/simple_recovery.py.
package batch

import (
	"context"
	"fmt"

	"github.com/prodogs/docbatch/catalog"
	"github.com/prodogs/docbatch/staging"
	"github.com/prodogs/docbatch/workstore"
)

// Service orchestrates batch lifecycle transitions.
type Service struct {
	catalogDB *catalog.DB
	workDB    *workstore.DB
	staging   *staging.Service
}

// New builds a batch Service.
func New(catalogDB *catalog.DB, workDB *workstore.DB, stagingSvc *staging.Service) *Service {
	return &Service{catalogDB: catalogDB, workDB: workDB, staging: stagingSvc}
}

// Save creates a new batch in SAVED status with its selection frozen into
// config_snapshot.
func (s *Service) Save(ctx context.Context, name, description string, folderIDs, connectionIDs, promptIDs []uint) (*catalog.Batch, error) {
	snap := catalog.ConfigSnapshot{FolderIDs: folderIDs, ConnectionIDs: connectionIDs, PromptIDs: promptIDs}
	return s.catalogDB.CreateBatch(ctx, name, description, snap)
}

// Stage delegates to the Staging Service, materializing QUEUED responses.
func (s *Service) Stage(ctx context.Context, batchID uint) (staging.Result, error) {
	return s.staging.Stage(ctx, batchID)
}

// Run transitions a STAGED batch to ANALYZING, after which the Queue
// Processor is free to lease its QUEUED responses.
func (s *Service) Run(ctx context.Context, batchID uint) error {
	return s.catalogDB.BeginAnalyzing(ctx, batchID)
}

// Reset archives a batch's current state and returns it to SAVED from any
// status, discarding its in-flight and completed responses (§3 RESET
// invariant: the escape hatch never leaves a batch in an intermediate
// status). Orphaned in-flight work already dispatched to the LLM RPC is
// silently discarded when it eventually completes, not logged as an error —
// mirroring the original implementation, which never tracked it once the
// batch left ANALYZING (§9 Open Question 1).
func (s *Service) Reset(ctx context.Context, batchID uint) error {
	if err := s.catalogDB.ArchiveBatch(ctx, batchID); err != nil {
		return fmt.Errorf("batch: archive before reset: %w", err)
	}
	if _, err := s.workDB.DeleteResponsesForBatch(ctx, batchID); err != nil {
		return fmt.Errorf("batch: drop responses before reset: %w", err)
	}
	if err := s.catalogDB.ResetBatch(ctx, batchID); err != nil {
		return fmt.Errorf("batch: reset: %w", err)
	}
	return nil
}

// FanIn checks whether every response for an ANALYZING batch has reached a
// terminal status and, if so, performs the conditional UPDATE that
// completes it. Safe to call repeatedly and concurrently: only the caller
// that observes ANALYZING actually transitions the row (§4.6, §9 "a single
// conditional UPDATE").
func (s *Service) FanIn(ctx context.Context, batchID uint) (bool, error) {
	counts, err := s.workDB.CountResponsesByStatus(ctx, batchID)
	if err != nil {
		return false, fmt.Errorf("batch: count responses: %w", err)
	}
	if counts.Total() == 0 || counts.Terminal() < counts.Total() {
		return false, nil
	}

	if err := s.catalogDB.CompleteBatch(ctx, batchID, int(counts.Terminal())); err != nil {
		if err == catalog.ErrIllegalTransition {
			// Another fan-in check already completed it (or reset it away).
			return false, nil
		}
		return false, fmt.Errorf("batch: complete: %w", err)
	}
	return true, nil
}
