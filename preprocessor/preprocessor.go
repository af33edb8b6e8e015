// Package preprocessor walks a folder's files, validates each one, encodes
// it into the Work store, and records a Document per file in the Catalog
// store.
//
// Grounded on original_source/server/services/folder_preprocessing_service.py,
// whose _scan_folder_files / _validate_file / _process_single_file sequence
// this mirrors: size check, extension check, readability check, then encode
// and store the valid files. Invalid files still get a Document row with
// their invalid reason, so the folder's document list stays complete, but
// they are not encoded.
package preprocessor

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/prodogs/docbatch/catalog"
	"github.com/prodogs/docbatch/encoder"
	"github.com/prodogs/docbatch/workstore"
)

const (
	minFileSize = 1
	maxFileSize = 50 * 1024 * 1024 // 50MiB (§4.4 invariant)
)

// Preprocessor walks folders and materializes Document + EncodedBody rows.
type Preprocessor struct {
	catalogDB *catalog.DB
	workDB    *workstore.DB
	types     *catalog.DocumentTypeCache
	log       *logrus.Entry
}

// New builds a Preprocessor.
func New(catalogDB *catalog.DB, workDB *workstore.DB, types *catalog.DocumentTypeCache, log *logrus.Entry) *Preprocessor {
	return &Preprocessor{catalogDB: catalogDB, workDB: workDB, types: types, log: log}
}

// Result summarizes one folder's preprocessing pass.
type Result struct {
	TotalFiles   int
	ValidFiles   int
	InvalidFiles int
	TotalBytes   int64
}

// Run walks folderPath, validates and encodes every file found, and
// transitions the folder NOT_PROCESSED -> PREPROCESSING -> READY/ERROR.
func (p *Preprocessor) Run(ctx context.Context, folderID uint, folderPath string) (Result, error) {
	var result Result

	if err := p.catalogDB.BeginPreprocessing(ctx, folderID); err != nil {
		return result, fmt.Errorf("preprocessor: begin: %w", err)
	}

	err := filepath.WalkDir(folderPath, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			p.log.WithError(walkErr).WithField("path", path).Warn("could not stat path during walk")
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if err := p.processFile(ctx, folderID, path, &result); err != nil {
			p.log.WithError(err).WithField("path", path).Warn("failed to process file")
		}
		return nil
	})

	ok := err == nil
	if finishErr := p.catalogDB.FinishPreprocessing(ctx, folderID, ok); finishErr != nil {
		return result, fmt.Errorf("preprocessor: finish: %w", finishErr)
	}
	return result, err
}

func (p *Preprocessor) processFile(ctx context.Context, folderID uint, path string, result *Result) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	valid, reason := p.validate(path, info.Size(), ext)

	doc := &catalog.Document{
		FolderID:      folderID,
		Filepath:      path,
		Filename:      filepath.Base(path),
		Valid:         catalog.DocumentInvalid,
		InvalidReason: reason,
		SizeBytes:     info.Size(),
	}
	if valid {
		doc.Valid = catalog.DocumentValid
		doc.InvalidReason = ""
	}
	if err := p.catalogDB.CreateDocument(ctx, doc); err != nil {
		return fmt.Errorf("create document: %w", err)
	}

	result.TotalFiles++
	result.TotalBytes += info.Size()
	if valid {
		result.ValidFiles++
	} else {
		result.InvalidFiles++
		p.log.WithFields(logrus.Fields{
			"path":   path,
			"reason": reason,
			"size":   humanize.Bytes(uint64(info.Size())),
		}).Info("invalid document recorded")
		return nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}
	encoded := encoder.Encode(content)

	documentKey := workstore.EncodedBodyKey(doc.ID)
	mimeType := mimeTypeFor(ext)
	bodyID, err := p.workDB.UpsertEncodedBody(ctx, documentKey, encoded, mimeType, info.Size())
	if err != nil {
		return fmt.Errorf("upsert encoded body: %w", err)
	}
	if err := p.catalogDB.SetEncodedBody(ctx, doc.ID, bodyID); err != nil {
		return fmt.Errorf("set encoded body: %w", err)
	}
	return nil
}

// validate checks size, extension, and readability in that order,
// mirroring _validate_file.
func (p *Preprocessor) validate(path string, size int64, ext string) (bool, string) {
	if size < minFileSize {
		return false, "file too small"
	}
	if size > maxFileSize {
		return false, fmt.Sprintf("file too large (>%s)", humanize.Bytes(maxFileSize))
	}
	if !p.types.IsValidExtension(ext) {
		return false, fmt.Sprintf("unsupported file type: .%s", ext)
	}
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Sprintf("file not readable: %v", err)
	}
	defer f.Close()
	buf := make([]byte, 1)
	if _, err := f.Read(buf); err != nil {
		return false, fmt.Sprintf("file not readable: %v", err)
	}
	return true, ""
}

func mimeTypeFor(ext string) string {
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
