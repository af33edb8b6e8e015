// Package recovery implements the startup reconciliation pass: finding
// batches left in STAGING or ANALYZING by a crash or restart and deciding
// their real status from what their responses actually show, plus marking
// any PROCESSING response that has been stuck past its deadline as FAILED.
//
// Grounded on original_source/server/services/simple_recovery.py's
// perform_simple_recovery, which runs once at process startup rather than
// on a schedule: a batch is never trusted to know its own status after an
// unclean shutdown, so recovery recomputes it from the Work store's
// response counts and reassigns it unconditionally.
package recovery

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/prodogs/docbatch/catalog"
	"github.com/prodogs/docbatch/workstore"
)

// StuckThreshold is how long a PROCESSING response may sit without progress
// before recovery considers it abandoned. The original used a flat one hour.
const StuckThreshold = time.Hour

// Service reconciles batch and response state at startup.
type Service struct {
	catalogDB *catalog.DB
	workDB    *workstore.DB
	log       *logrus.Entry
}

// New builds a recovery Service.
func New(catalogDB *catalog.DB, workDB *workstore.DB, log *logrus.Entry) *Service {
	return &Service{catalogDB: catalogDB, workDB: workDB, log: log}
}

// Report summarizes one recovery pass.
type Report struct {
	BatchesInspected int
	BatchesFixed     int
	StuckResponses   int64
}

// Run performs the reconciliation pass. It is intended to run once, before
// the Queue Processor starts accepting work, and is safe to run again
// (e.g. from an operator-triggered maintenance endpoint): a batch already
// in a settled state is simply left alone, since only STAGING/ANALYZING
// batches are considered stuck.
func (s *Service) Run(ctx context.Context) (Report, error) {
	var report Report

	s.log.Info("recovery: starting cleanup of stuck batches")

	// Step 2 (§4.8): mark every stuck PROCESSING response FAILED with a
	// recovery-marker message, globally, before per-batch reconciliation so
	// the counts that reconciliation reads already reflect the markdown.
	cutoff := time.Now().Add(-StuckThreshold)
	marked, err := s.workDB.MarkStuckProcessingFailed(ctx, cutoff)
	if err != nil {
		return report, err
	}
	report.StuckResponses = marked
	if marked > 0 {
		s.log.WithField("count", marked).Warn("recovery: marked stale processing responses as failed (recovery-marker)")
	}

	stuck, err := s.catalogDB.BatchesInStatus(ctx, catalog.BatchStaging, catalog.BatchAnalyzing)
	if err != nil {
		return report, err
	}
	report.BatchesInspected = len(stuck)

	if len(stuck) == 0 {
		s.log.Info("recovery: no stuck batches found")
		return report, nil
	}
	s.log.WithField("count", len(stuck)).Warn("recovery: found stuck batches")

	for _, b := range stuck {
		if err := s.fixBatch(ctx, b, &report); err != nil {
			s.log.WithError(err).WithField("batch_id", b.ID).Error("recovery: failed to fix batch")
			continue
		}
	}

	s.log.WithField("fixed", report.BatchesFixed).Info("recovery: cleanup complete")
	return report, nil
}

// fixBatch reassigns a stuck batch's status based solely on what its
// responses show in W (§4.8 step 1); the stuck-PROCESSING sweep itself
// already ran once, globally, in Run.
func (s *Service) fixBatch(ctx context.Context, b catalog.Batch, report *Report) error {
	counts, err := s.workDB.CountResponsesByStatus(ctx, b.ID)
	if err != nil {
		return err
	}

	switch {
	case counts.Total() == 0:
		if err := s.catalogDB.ForceStatus(ctx, b.ID, catalog.BatchSaved, map[string]interface{}{
			"started_at": nil,
		}); err != nil {
			return err
		}
		s.log.WithField("batch_id", b.ID).Info("recovery: reset to SAVED, no responses were ever staged")
	case counts.Terminal() == counts.Total():
		now := time.Now()
		if err := s.catalogDB.ForceStatus(ctx, b.ID, catalog.BatchCompleted, map[string]interface{}{
			"completed_at":        now,
			"processed_documents": int(counts.Terminal()),
		}); err != nil {
			return err
		}
		s.log.WithField("batch_id", b.ID).Info("recovery: marked COMPLETED, all responses had already finished")
	default:
		if err := s.catalogDB.ForceStatus(ctx, b.ID, catalog.BatchStaged, map[string]interface{}{
			"processed_documents": int(counts.Terminal()),
		}); err != nil {
			return err
		}
		s.log.WithFields(logrus.Fields{
			"batch_id": b.ID, "done": counts.Terminal(), "total": counts.Total(),
		}).Info("recovery: reset to STAGED, partially processed")
	}

	report.BatchesFixed++
	return nil
}
