// Package pipeline runs the two digest flows — extraction and comparison —
// against the worker pool and the digest repository, grounded on
// original_source's file_comparison module (models/repository.py plus the
// service loop that drives it). It never terminates on error: every
// failure is logged and the next scheduled pass tries again rather than
// exiting.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"coursewatch/internal/config"
	"coursewatch/internal/digest"
	"coursewatch/internal/logging"
	"coursewatch/internal/model"
	"coursewatch/internal/plugin"
	"coursewatch/internal/workerpool"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// configSource supplies the live configuration snapshot reloaded at the top
// of every Run loop iteration. Satisfied by *config.Watcher; nil disables
// hot reload, which every test relies on to keep its tunables fixed.
type configSource interface {
	Snapshot() *config.Config
}

// Downloader fetches a submitted file's bytes by URL. *lmsclient.Client
// satisfies this; tests supply a fake.
type Downloader interface {
	Download(ctx context.Context, fileURL string) (io.ReadCloser, error)
}

// Pipeline owns one pass of the extraction flow and one pass of the
// comparison flow, plus the top-level loop that alternates between them.
type Pipeline struct {
	digest  *digest.Store
	lms     Downloader
	pool    *workerpool.Pool
	logger  *slog.Logger
	configs configSource

	digestTypes      []string
	batchSize        int
	ignoreOlderThan  time.Duration
	ignoreLargerThan int64
}

// Config configures a Pipeline's tunables; everything except the
// collaborators is sourced from internal/config.Config at construction.
type Config struct {
	DigestTypes      []string
	BatchSize        int
	IgnoreOlderThan  time.Duration
	IgnoreLargerThan int64
}

// New builds a Pipeline from its collaborators and tunables. configs may be
// nil, which disables config hot reload: the tunables baked into cfg are
// then fixed for the Pipeline's lifetime.
func New(digestStore *digest.Store, lms Downloader, pool *workerpool.Pool, logger *slog.Logger, cfg Config, configs configSource) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 4
	}
	return &Pipeline{
		digest:           digestStore,
		lms:              lms,
		pool:             pool,
		logger:           logger,
		configs:          configs,
		digestTypes:      cfg.DigestTypes,
		batchSize:        batchSize,
		ignoreOlderThan:  cfg.IgnoreOlderThan,
		ignoreLargerThan: cfg.IgnoreLargerThan,
	}
}

// applyConfig reloads the digest type set, batch size, and ignore
// thresholds from the latest config snapshot. WorkerCount and
// PluginSettings' effect on which plugins are constructed are deliberately
// excluded here: both only take effect by rebuilding the *workerpool.Pool,
// which the running Pipeline doesn't own and can't safely tear down and
// replace mid-batch. PluginSettings is still read for the digest type
// names themselves (the worker pool keeps running the same plugins; this
// only changes which of their digest types the pipeline asks for).
func (p *Pipeline) applyConfig(cfg *config.Config) {
	types, err := plugin.DigestTypes(cfg.PluginSettings)
	if err != nil {
		p.logger.Warn("reloaded config has invalid plugin settings, keeping previous digest types", "error", err)
	} else {
		p.digestTypes = types
	}

	batchSize := cfg.DigestBatchSize
	if batchSize <= 0 {
		batchSize = 4
	}
	p.batchSize = batchSize
	p.ignoreOlderThan = cfg.IgnoreFilesOlderThan()
	p.ignoreLargerThan = cfg.IgnoreFilesLargerThan
}

// Run sleeps for interval, then alternates extraction and comparison passes
// forever, until ctx is canceled. Errors at the pass level are logged and
// never stop the loop. The config snapshot is reloaded at the top of every
// iteration, before either pass runs.
func (p *Pipeline) Run(ctx context.Context, interval time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		if p.configs != nil {
			p.applyConfig(p.configs.Snapshot())
		}

		if err := p.RunExtraction(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("extraction flow failed", "error", err)
		}
		if err := p.RunComparison(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("comparison flow failed", "error", err)
		}
	}
}

// RunExtraction finds every file missing one of the configured digest
// types, downloads and extracts it in batches, and persists the results.
// A file that fails to download is dropped from this pass only — it will
// be reconsidered on the next call since no digest row was written for it.
func (p *Pipeline) RunExtraction(ctx context.Context) error {
	files, err := p.digest.StreamFilesWithMissingDigests(ctx, p.digestTypes, p.ignoreOlderThan, p.ignoreLargerThan)
	if errors.Is(err, digest.ErrNoDigestTypes) {
		p.logger.Warn("no digest types configured, skipping extraction pass")
		return nil
	}
	if err != nil {
		return err
	}

	for start := 0; start < len(files); start += p.batchSize {
		end := min(start+p.batchSize, len(files))
		if err := p.runExtractionBatch(ctx, files[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runExtractionBatch(ctx context.Context, batch []digest.FileToCompute) error {
	batchID := uuid.NewString()

	// Downloads are independent network round-trips, so fan them out
	// concurrently within the batch rather than one at a time; a download
	// failure only drops that one file, so errors are logged here rather
	// than returned to the group.
	contents := make([][]byte, len(batch))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, f := range batch {
		eg.Go(func() error {
			content, err := p.download(egCtx, f.FileURL)
			if err != nil {
				p.logger.Warn("download failed, dropping file from this batch", logging.KeyBatchID, batchID, logging.KeyFileID, f.FileID, "file_name", f.FileName, "error", err)
				return nil
			}
			contents[i] = content
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	jobs := make([]workerpool.ExtractJob, 0, len(batch))
	for i, f := range batch {
		if contents[i] == nil {
			continue
		}
		jobs = append(jobs, workerpool.ExtractJob{FileToCompute: f, Content: contents[i]})
	}
	if len(jobs) == 0 {
		return nil
	}

	results := p.pool.Extract(ctx, jobs)

	digests := make([]model.FileDigest, 0, len(results))
	warnings := make([]model.FileWarning, 0)
	byID := map[model.FileID]digest.FileToCompute{}
	for _, f := range batch {
		byID[f.FileID] = f
	}

	succeeded, failed := 0, 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			p.logger.Warn("extraction failed for file", logging.KeyBatchID, batchID, logging.KeyFileID, res.FileID, "error", res.Err)
			continue
		}
		succeeded++
		src := byID[res.FileID]
		now := time.Now()
		for digestType, payload := range res.Digests {
			digests = append(digests, model.FileDigest{
				FileID:       res.FileID,
				DigestType:   digestType,
				UserID:       src.UserID,
				UserName:     src.UserName,
				AssignmentID: src.AssignmentID,
				SubmissionID: src.SubmissionID,
				FileName:     src.FileName,
				FileURL:      src.FileURL,
				FileUploaded: src.FileUploaded,
				Created:      now,
				Content:      payload,
			})
		}
		for warningType, message := range res.Warnings {
			warnings = append(warnings, model.FileWarning{FileID: res.FileID, WarningType: warningType, Message: message})
		}
	}

	if err := p.digest.StoreDigests(ctx, digests); err != nil {
		return err
	}
	if len(warnings) > 0 {
		if err := p.digest.StoreWarnings(ctx, warnings); err != nil {
			return err
		}
	}
	p.logger.Info("extraction batch complete", logging.KeyBatchID, batchID, "succeeded", succeeded, "failed", failed, "digests_written", len(digests))
	return nil
}

func (p *Pipeline) download(ctx context.Context, fileURL string) ([]byte, error) {
	rc, err := p.lms.Download(ctx, fileURL)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// RunComparison finds every pair of same-assignment, cross-submission
// digests that hasn't been scored yet, scores them in batches, and
// persists the results. A pair that fails to score contributes only a
// warning log — its key is never written, so the next pass retries it.
func (p *Pipeline) RunComparison(ctx context.Context) error {
	pairs, err := p.digest.StreamMissingComparisons(ctx)
	if err != nil {
		return err
	}

	for start := 0; start < len(pairs); start += p.batchSize {
		end := min(start+p.batchSize, len(pairs))
		if err := p.runComparisonBatch(ctx, pairs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runComparisonBatch(ctx context.Context, batch []digest.DigestPair) error {
	batchID := uuid.NewString()
	jobs := make([]workerpool.CompareJob, len(batch))
	for i, pair := range batch {
		jobs[i] = workerpool.CompareJob{DigestPair: pair}
	}

	results := p.pool.Compare(ctx, jobs)

	comparisons := make([]model.FileComparison, 0, len(results))
	for _, res := range results {
		if res.Err != nil {
			p.logger.Warn("comparison failed for pair", logging.KeyBatchID, batchID, "older_file_id", res.Pair.OlderFileID, "newer_file_id", res.Pair.NewerFileID, "error", res.Err)
			continue
		}
		comparisons = append(comparisons, model.FileComparison{
			OlderFileID:     res.Pair.OlderFileID,
			OlderDigestType: res.Pair.DigestType,
			NewerFileID:     res.Pair.NewerFileID,
			NewerDigestType: res.Pair.DigestType,
			SimilarityScore: res.Score,
		})
	}
	if len(comparisons) == 0 {
		return nil
	}
	return p.digest.StoreComparisons(ctx, comparisons)
}
