// Package staging implements the Staging Service: materializing QUEUED
// Response rows in the Work store for every (document, prompt, connection)
// triple a batch's selection implies.
//
// Grounded on original_source/server/services/staging_service.py's
// _perform_staging / reprocess_existing_batch_staging: auto-assign
// documents from the batch's folders when none are assigned yet, encode
// each document into the Work store, then fan out a response row per
// connection x prompt combination with ON CONFLICT DO NOTHING so staging
// twice never duplicates work.
package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/prodogs/docbatch/catalog"
	"github.com/prodogs/docbatch/connection"
	"github.com/prodogs/docbatch/encoder"
	"github.com/prodogs/docbatch/workstore"
)

// Service stages batches.
type Service struct {
	catalogDB *catalog.DB
	workDB    *workstore.DB
	log       *logrus.Entry
}

// New builds a staging Service.
func New(catalogDB *catalog.DB, workDB *workstore.DB, log *logrus.Entry) *Service {
	return &Service{catalogDB: catalogDB, workDB: workDB, log: log}
}

// Result summarizes one staging pass.
type Result struct {
	DocumentsStaged int
	ResponsesQueued int
}

// Stage transitions a batch SAVED -> STAGING, assigns documents from its
// folders if none are assigned yet, and queues a response per document x
// prompt x connection combination. On success the batch lands in STAGED;
// on failure (no documents available) it lands in FAILED_STAGING.
func (s *Service) Stage(ctx context.Context, batchID uint) (Result, error) {
	var result Result

	if err := s.catalogDB.BeginStaging(ctx, batchID); err != nil {
		return result, fmt.Errorf("staging: begin: %w", err)
	}

	docs, err := s.ensureDocumentsAssigned(ctx, batchID)
	if err != nil {
		_ = s.catalogDB.FinishStaging(ctx, batchID, false, 0)
		return result, err
	}
	if len(docs) == 0 {
		_ = s.catalogDB.FinishStaging(ctx, batchID, false, 0)
		return result, fmt.Errorf("staging: no documents available for batch %d", batchID)
	}

	batch, err := s.catalogDB.GetBatch(ctx, batchID)
	if err != nil {
		_ = s.catalogDB.FinishStaging(ctx, batchID, false, 0)
		return result, fmt.Errorf("staging: load batch: %w", err)
	}
	snap, err := batch.Snapshot()
	if err != nil {
		_ = s.catalogDB.FinishStaging(ctx, batchID, false, 0)
		return result, fmt.Errorf("staging: decode config snapshot: %w", err)
	}

	connections, err := s.catalogDB.ActiveConnections(ctx, snap.ConnectionIDs)
	if err != nil {
		_ = s.catalogDB.FinishStaging(ctx, batchID, false, 0)
		return result, fmt.Errorf("staging: load connections: %w", err)
	}
	prompts, err := s.catalogDB.ActivePrompts(ctx, snap.PromptIDs)
	if err != nil {
		_ = s.catalogDB.FinishStaging(ctx, batchID, false, 0)
		return result, fmt.Errorf("staging: load prompts: %w", err)
	}

	providerIDs := make([]uint, 0, len(connections))
	modelIDs := make([]uint, 0, len(connections))
	for _, c := range connections {
		providerIDs = append(providerIDs, c.ProviderID)
		modelIDs = append(modelIDs, c.ModelID)
	}
	providers, err := s.catalogDB.ProvidersByID(ctx, providerIDs)
	if err != nil {
		_ = s.catalogDB.FinishStaging(ctx, batchID, false, 0)
		return result, fmt.Errorf("staging: load providers: %w", err)
	}
	models, err := s.catalogDB.ModelsByID(ctx, modelIDs)
	if err != nil {
		_ = s.catalogDB.FinishStaging(ctx, batchID, false, 0)
		return result, fmt.Errorf("staging: load models: %w", err)
	}

	for _, doc := range docs {
		if err := s.stageDocument(ctx, batchID, doc, connections, prompts, providers, models, &result); err != nil {
			s.log.WithError(err).WithField("document_id", doc.ID).Warn("failed to stage document")
			continue
		}
	}

	ok := result.DocumentsStaged > 0
	if err := s.catalogDB.FinishStaging(ctx, batchID, ok, len(docs)); err != nil {
		return result, fmt.Errorf("staging: finish: %w", err)
	}
	if !ok {
		return result, fmt.Errorf("staging: no documents were successfully staged for batch %d", batchID)
	}
	return result, nil
}

// ensureDocumentsAssigned assigns unassigned, valid documents from the
// batch's folders when the batch has no documents yet (§4.5 step 2).
func (s *Service) ensureDocumentsAssigned(ctx context.Context, batchID uint) ([]catalog.Document, error) {
	docs, err := s.catalogDB.DocumentsForBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("load existing documents: %w", err)
	}
	if len(docs) > 0 {
		return docs, nil
	}

	batch, err := s.catalogDB.GetBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("load batch: %w", err)
	}
	folderIDs, err := batch.FolderIDList()
	if err != nil {
		return nil, fmt.Errorf("decode folder ids: %w", err)
	}
	if len(folderIDs) == 0 {
		return nil, nil
	}

	unassigned, err := s.catalogDB.UnassignedValidDocuments(ctx, folderIDs)
	if err != nil {
		return nil, fmt.Errorf("load unassigned documents: %w", err)
	}
	if len(unassigned) == 0 {
		return nil, nil
	}

	ids := make([]uint, len(unassigned))
	for i, d := range unassigned {
		ids[i] = d.ID
	}
	if _, err := s.catalogDB.AssignToBatch(ctx, ids, batchID); err != nil {
		return nil, fmt.Errorf("assign documents to batch: %w", err)
	}
	return s.catalogDB.DocumentsForBatch(ctx, batchID)
}

// stageDocument ensures a document has an encoded body, then queues a
// response for every connection x prompt pair.
func (s *Service) stageDocument(ctx context.Context, batchID uint, doc catalog.Document, connections []catalog.Connection, prompts []catalog.Prompt, providers map[uint]catalog.Provider, models map[uint]catalog.Model, result *Result) error {
	if err := s.ensureEncoded(ctx, doc); err != nil {
		return fmt.Errorf("ensure encoded: %w", err)
	}

	documentKey := workstore.DocumentKey(batchID, doc.ID)
	now := time.Now()
	for _, conn := range connections {
		modelName := models[conn.ModelID].DisplayName
		if modelName == "" {
			modelName = models[conn.ModelID].Name
		}
		snap := connection.NewSnapshot(conn.ID, connection.Input{
			ProviderType: providers[conn.ProviderID].ProviderType,
			BaseURL:      conn.BaseURL,
			Port:         conn.Port,
			ModelName:    modelName,
		}, now)
		raw, err := snap.Marshal()
		if err != nil {
			return fmt.Errorf("marshal connection snapshot: %w", err)
		}

		for _, prompt := range prompts {
			if err := s.workDB.UpsertQueued(ctx, batchID, doc.ID, documentKey, prompt.ID, conn.ID, raw); err != nil {
				return fmt.Errorf("queue response: %w", err)
			}
			result.ResponsesQueued++
		}
	}
	result.DocumentsStaged++
	return nil
}

// ensureEncoded makes sure the document has an encoded body at its
// preprocessing key, invoking the Document Encoder on demand if
// preprocessing never ran or its result was lost (§4.5 step 3: staging
// self-heals rather than failing a document outright).
func (s *Service) ensureEncoded(ctx context.Context, doc catalog.Document) error {
	src := workstore.EncodedBodyKey(doc.ID)
	if _, err := s.workDB.GetEncodedBody(ctx, src); err == nil {
		return nil
	}

	content, err := os.ReadFile(doc.Filepath)
	if err != nil {
		return fmt.Errorf("document %d has no encoded body and could not be read from %s: %w", doc.ID, doc.Filepath, err)
	}
	encoded := encoder.Encode(content)
	mimeType := mimeTypeForExt(strings.TrimPrefix(strings.ToLower(filepath.Ext(doc.Filepath)), "."))

	bodyID, err := s.workDB.UpsertEncodedBody(ctx, src, encoded, mimeType, int64(len(content)))
	if err != nil {
		return fmt.Errorf("encode and store document %d: %w", doc.ID, err)
	}
	if err := s.catalogDB.SetEncodedBody(ctx, doc.ID, bodyID); err != nil {
		return fmt.Errorf("record encoded body for document %d: %w", doc.ID, err)
	}
	return nil
}

// mimeTypeForExt mirrors the Folder Preprocessor's extension table so a
// document encoded lazily here gets the same mime_type it would have gotten
// had preprocessing run successfully.
func mimeTypeForExt(ext string) string {
	switch ext {
	case "pdf":
		return "application/pdf"
	case "txt":
		return "text/plain"
	case "csv":
		return "text/csv"
	case "json":
		return "application/json"
	case "md":
		return "text/markdown"
	case "docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	default:
		return "application/octet-stream"
	}
}
