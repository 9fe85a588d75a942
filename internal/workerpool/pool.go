// Package workerpool runs digest extraction and comparison on a fixed pool
// of goroutines. Each worker owns a private *plugin.Worker instance built
// once at startup: the original's per-process global plugin state becomes
// worker-local state here, since a single Go process hosts every worker
// goroutine. Submissions crossing into the pool carry only plain file
// bytes or digest pairs; compression happens at the boundary using
// github.com/klauspost/compress/gzip, so stored digest content is ordinary
// gzip and decompresses with any conforming implementation.
package workerpool

import (
	"context"
	"fmt"
	"sync"

	"coursewatch/internal/digest"
	"coursewatch/internal/model"
	"coursewatch/internal/plugin"
)

// ExtractJob is one already-downloaded file awaiting digest extraction for
// the digest types it's currently missing. The pipeline downloads Content
// before submitting the job; the pool itself never performs network I/O.
type ExtractJob struct {
	digest.FileToCompute
	Content []byte
}

// ExtractResult carries one file's extracted digests (compressed, keyed by
// digest type — absent when the matching extractor produced nothing for
// that type) plus any warnings raised along the way.
type ExtractResult struct {
	FileID   model.FileID
	Digests  map[string]model.DigestPayload
	Warnings map[string]string
	Err      error
}

// CompareJob is a pair of same-type digests awaiting a similarity score.
type CompareJob struct {
	digest.DigestPair
}

// CompareResult carries the comparer's verdict for one CompareJob.
type CompareResult struct {
	Pair  digest.DigestPair
	Score float64
	Err   error
}

type task func(w *plugin.Worker)

// Pool is a fixed-size pool of goroutines, each with its own plugin.Worker.
type Pool struct {
	tasks chan task
	wg    sync.WaitGroup
}

// New starts a pool of the given size, building one plugin.Worker per
// goroutine from settings. workers is clamped to at least 1.
func New(workers int, settings map[string]map[string]any) (*Pool, error) {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{tasks: make(chan task, workers*2)}

	for i := 0; i < workers; i++ {
		w, err := plugin.NewWorker(settings)
		if err != nil {
			return nil, err
		}
		p.wg.Add(1)
		go p.run(w)
	}
	return p, nil
}

func (p *Pool) run(w *plugin.Worker) {
	defer p.wg.Done()
	for t := range p.tasks {
		t(w)
	}
}

// Close stops accepting new work and waits for in-flight tasks to finish.
// It must only be called once, after every in-flight batch has returned.
func (p *Pool) Close() {
	close(p.tasks)
	p.wg.Wait()
}

// Extract submits a batch of files for digest extraction and blocks until
// every file in the batch has a result (or ctx is canceled), giving the
// caller batch-level backpressure: no further work is submitted until this
// batch drains.
func (p *Pool) Extract(ctx context.Context, jobs []ExtractJob) []ExtractResult {
	results := make([]ExtractResult, len(jobs))
	var batch sync.WaitGroup
	batch.Add(len(jobs))

	for i, job := range jobs {
		i, job := i, job
		t := task(func(w *plugin.Worker) {
			defer batch.Done()
			results[i] = extractOne(w, job)
		})
		select {
		case p.tasks <- t:
		case <-ctx.Done():
			batch.Done()
			results[i] = ExtractResult{FileID: job.FileID, Err: ctx.Err()}
		}
	}
	batch.Wait()
	return results
}

// Compare submits a batch of digest pairs for similarity scoring and blocks
// until every pair has a result (or ctx is canceled).
func (p *Pool) Compare(ctx context.Context, jobs []CompareJob) []CompareResult {
	results := make([]CompareResult, len(jobs))
	var batch sync.WaitGroup
	batch.Add(len(jobs))

	for i, job := range jobs {
		i, job := i, job
		t := task(func(w *plugin.Worker) {
			defer batch.Done()
			results[i] = compareOne(w, job)
		})
		select {
		case p.tasks <- t:
		case <-ctx.Done():
			batch.Done()
			results[i] = CompareResult{Pair: job.DigestPair, Err: ctx.Err()}
		}
	}
	batch.Wait()
	return results
}

func extractOne(w *plugin.Worker, job ExtractJob) ExtractResult {
	result := ExtractResult{
		FileID:   job.FileID,
		Digests:  map[string]model.DigestPayload{},
		Warnings: map[string]string{},
	}

	wanted := map[string]bool{}
	for _, t := range job.DigestTypes {
		wanted[t] = true
	}

	for _, ext := range w.ExtractorsFor(job.FileName, job.MimeType, job.FileSize) {
		produced := false
		for _, t := range ext.DigestTypes() {
			if wanted[t] {
				produced = true
				break
			}
		}
		if !produced {
			continue
		}

		digests, warnings, err := ext.ProcessFile(job.FileName, job.MimeType, job.Content)
		if err != nil {
			result.Warnings[ext.Name()] = err.Error()
			continue
		}
		for t, msg := range warnings {
			result.Warnings[t] = msg
		}
		for t, raw := range digests {
			if !wanted[t] {
				continue
			}
			compressed, err := compress(raw)
			if err != nil {
				result.Warnings[t] = err.Error()
				result.Digests[t] = model.Absent()
				continue
			}
			result.Digests[t] = model.Compressed(compressed)
		}
	}

	for t := range wanted {
		if _, ok := result.Digests[t]; !ok {
			result.Digests[t] = model.Absent()
		}
	}
	return result
}

func compareOne(w *plugin.Worker, job CompareJob) CompareResult {
	result := CompareResult{Pair: job.DigestPair}

	cmp, ok := w.ComparerFor(job.DigestType)
	if !ok {
		result.Err = fmt.Errorf("no comparer registered for digest type %q", job.DigestType)
		return result
	}
	if !job.OlderContent.Present() || !job.NewerContent.Present() {
		return result
	}

	older, err := decompress(job.OlderContent.Bytes())
	if err != nil {
		result.Err = err
		return result
	}
	newer, err := decompress(job.NewerContent.Bytes())
	if err != nil {
		result.Err = err
		return result
	}

	score, err := cmp.CompareDigests(job.DigestType, int64(job.OlderFileID), older, int64(job.NewerFileID), newer)
	if err != nil {
		result.Err = err
		return result
	}
	result.Score = score
	return result
}
