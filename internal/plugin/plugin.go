// Package plugin defines the extraction/comparison contract implemented by
// file-digest plugins, and a static registration table that stands in for
// the original's directory-scan plugin discovery: each built-in plugin
// registers itself from its own init(), and the registry just reads the
// resulting table at construction time.
package plugin

import "fmt"

// DigestExtractor turns the bytes of a submitted file into one or more named
// digests, plus any warnings encountered along the way. Implementations must
// be safe to use from a single goroutine only — internal/workerpool gives
// each worker its own instance.
type DigestExtractor interface {
	// Name identifies the plugin, independent of the digest types it produces.
	Name() string

	// DigestTypes lists the digest type names this extractor can produce.
	DigestTypes() []string

	// CanProcessFile reports whether this extractor should be tried against
	// a file with the given name, server-reported mimetype, and size.
	CanProcessFile(filename, mimetype string, filesize int64) bool

	// ProcessFile extracts digests from content. A returned digest type not
	// present in the result map is treated as "extraction failed for that
	// type" by the caller, which then records it as an absent digest.
	ProcessFile(filename, mimetype string, content []byte) (digests map[string][]byte, warnings map[string]string, err error)
}

// DigestComparer scores the similarity between two digests of the same
// type, from 0 (no similarity) to 1 (identical).
type DigestComparer interface {
	// DigestTypes lists the digest type names this comparer can score.
	DigestTypes() []string

	// CompareDigests scores the similarity between an older and a newer
	// digest. The ids are passed through only so implementations may cache
	// decoded state across consecutive calls that share a newer side.
	CompareDigests(digestType string, olderID int64, older []byte, newerID int64, newer []byte) (float64, error)
}

// PluginError reports a named plugin's factory failing to build it from its
// settings (see NewWorker). Extraction and comparison failures are not
// wrapped in it.
type PluginError struct {
	Plugin string
	Op     string
	Err    error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %s: %s: %v", e.Plugin, e.Op, e.Err)
}

func (e *PluginError) Unwrap() error { return e.Err }

// ExtractorFactory builds a fresh DigestExtractor from its plugin settings.
type ExtractorFactory func(settings map[string]any) (DigestExtractor, error)

// ComparerFactory builds a fresh DigestComparer from its plugin settings.
type ComparerFactory func(settings map[string]any) (DigestComparer, error)

type namedExtractorFactory struct {
	name    string
	factory ExtractorFactory
}

type namedComparerFactory struct {
	name    string
	factory ComparerFactory
}

var (
	extractorFactories []namedExtractorFactory
	comparerFactories  []namedComparerFactory
)

// RegisterExtractor adds a named extractor factory to the registration
// table. Called from a plugin package's init().
func RegisterExtractor(name string, factory ExtractorFactory) {
	extractorFactories = append(extractorFactories, namedExtractorFactory{name, factory})
}

// RegisterComparer adds a named comparer factory to the registration table.
// Called from a plugin package's init().
func RegisterComparer(name string, factory ComparerFactory) {
	comparerFactories = append(comparerFactories, namedComparerFactory{name, factory})
}

// Worker holds one live instance of every registered extractor and comparer,
// built from a settings map keyed by plugin name. internal/workerpool gives
// each goroutine its own Worker so stateful plugins (a comparer caching its
// last-seen newer side, say) never need locking.
type Worker struct {
	Extractors []DigestExtractor
	comparers  map[string]DigestComparer
}

// NewWorker instantiates every registered plugin, passing each its slice of
// settings (an empty map if the caller configured none).
func NewWorker(settings map[string]map[string]any) (*Worker, error) {
	w := &Worker{comparers: map[string]DigestComparer{}}

	for _, nf := range extractorFactories {
		ext, err := nf.factory(settings[nf.name])
		if err != nil {
			return nil, &PluginError{Plugin: nf.name, Op: "init extractor", Err: err}
		}
		w.Extractors = append(w.Extractors, ext)
	}

	for _, nf := range comparerFactories {
		cmp, err := nf.factory(settings[nf.name])
		if err != nil {
			return nil, &PluginError{Plugin: nf.name, Op: "init comparer", Err: err}
		}
		for _, dt := range cmp.DigestTypes() {
			w.comparers[dt] = cmp
		}
	}

	return w, nil
}

// ExtractorsFor returns the registered extractors willing to process a file
// with the given name, mimetype, and size.
func (w *Worker) ExtractorsFor(filename, mimetype string, filesize int64) []DigestExtractor {
	var matched []DigestExtractor
	for _, ext := range w.Extractors {
		if ext.CanProcessFile(filename, mimetype, filesize) {
			matched = append(matched, ext)
		}
	}
	return matched
}

// ComparerFor returns the comparer registered for digestType, if any.
func (w *Worker) ComparerFor(digestType string) (DigestComparer, bool) {
	cmp, ok := w.comparers[digestType]
	return cmp, ok
}

// DigestTypes builds a throwaway Worker from settings and returns every
// digest type its extractors can produce. cmd/coursewatch calls it at
// startup and internal/pipeline calls it again on every config reload, to
// know which digest types to ask the repository about, without keeping a
// live Worker around just for that.
func DigestTypes(settings map[string]map[string]any) ([]string, error) {
	w, err := NewWorker(settings)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var types []string
	for _, ext := range w.Extractors {
		for _, t := range ext.DigestTypes() {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				types = append(types, t)
			}
		}
	}
	return types, nil
}
