package delta

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gosimple/slug"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/common"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/domain/model"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/sparql"
)

type Downloader interface {
	Download(ctx context.Context, id, dest string) error
}

type ProcessorConfig struct {
	Folder      string
	IngestGraph string
	BatchSize   int
	KeepFiles   bool
}

// Processor applies one delta file to the store: for every changeset the
// deletes go first, then the inserts land in the ingest graph.
type Processor struct {
	store  sparql.Store
	files  Downloader
	cfg    ProcessorConfig
	logger *slog.Logger
}

func NewProcessor(store sparql.Store, files Downloader, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	return &Processor{store: store, files: files, cfg: cfg, logger: logger}
}

// LocalPath is where the payload of file is kept while it is processed.
func (p *Processor) LocalPath(file model.DeltaFile) string {
	name := slug.Make(file.Created.UTC().Format("2006-01-02T15:04:05.000Z") + "-" + file.ID)
	return filepath.Join(p.cfg.Folder, name+".json")
}

// Consume downloads, parses and applies file. The local copy is kept when
// anything fails so the payload can be inspected.
func (p *Processor) Consume(ctx context.Context, file model.DeltaFile) error {
	path := p.LocalPath(file)
	logger := p.logger.With("file_id", file.ID, "path", path)

	if err := p.files.Download(ctx, file.ID, path); err != nil {
		return fmt.Errorf("download delta file %s: %w", file.ID, err)
	}

	logger.InfoContext(ctx, "Start ingesting delta file")
	changesets, err := readChangesets(path)
	if err != nil {
		return fmt.Errorf("delta file %s: %w", file.ID, err)
	}

	for _, cs := range changesets {
		if err := p.apply(ctx, cs, logger); err != nil {
			logger.ErrorContext(ctx, "Ingesting delta file failed", "error", err)
			return fmt.Errorf("apply delta file %s: %w", file.ID, err)
		}
	}
	logger.InfoContext(ctx, "Successfully finished ingesting delta file")

	if !p.cfg.KeepFiles {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.WarnContext(ctx, "Could not remove delta file", "error", err)
		}
	}
	return nil
}

func (p *Processor) apply(ctx context.Context, cs model.Changeset, logger *slog.Logger) error {
	logger.DebugContext(ctx, "Deleting triples one by one in all graphs", "count", len(cs.Deletes))
	for _, triple := range cs.Deletes {
		if err := p.store.Update(ctx, DeleteStatement(triple, logger)); err != nil {
			return fmt.Errorf("delete triple: %w", err)
		}
	}

	logger.DebugContext(ctx, "Inserting triples in ingest graph", "count", len(cs.Inserts), "graph", p.cfg.IngestGraph)
	for i, stmt := range InsertStatements(cs.Inserts, p.cfg.IngestGraph, p.cfg.BatchSize, logger) {
		if err := p.store.Update(ctx, stmt); err != nil {
			return fmt.Errorf("insert batch %d: %w", i, err)
		}
	}
	return nil
}

func readChangesets(path string) ([]model.Changeset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var changesets []model.Changeset
	if err := json.Unmarshal(data, &changesets); err != nil {
		return nil, fmt.Errorf("parse %s: %v: %w", path, err, common.ErrParse)
	}
	return changesets, nil
}
