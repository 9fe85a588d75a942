// Package plaintext implements the built-in "plaintext" digest plugin:
// a line-based extractor for unformatted text files and a Jaccard-style
// line-set comparer. Grounded on original_source's
// digests/plugins/plaintext.py (PlaintextExtractor/PlaintextComparer),
// adapted from difflib.SequenceMatcher ratios to a line-set Jaccard score
// since the corpus carries no diff/sequence-matching library.
package plaintext

import (
	"bytes"
	"path/filepath"

	"coursewatch/internal/plugin"
)

const digestType = "plaintext"

func init() {
	plugin.RegisterExtractor("plaintext", newExtractor)
	plugin.RegisterComparer("plaintext", newComparer)
}

var defaultMimetypes = []string{"text/plain"}

var defaultMasks = []string{"*.txt", "*.py", "*.pyw", "*.c", "*.cpp", "*.cs", "*.java", "*.js"}

type extractor struct {
	mimetypes map[string]struct{}
	masks     []string
}

func newExtractor(settings map[string]any) (plugin.DigestExtractor, error) {
	e := &extractor{
		mimetypes: toSet(stringSliceSetting(settings, "mimetypes", defaultMimetypes)),
		masks:     stringSliceSetting(settings, "masks", defaultMasks),
	}
	return e, nil
}

func (e *extractor) Name() string { return "plaintext" }

func (e *extractor) DigestTypes() []string { return []string{digestType} }

func (e *extractor) CanProcessFile(filename, mimetype string, filesize int64) bool {
	if _, ok := e.mimetypes[mimetype]; ok {
		return true
	}
	for _, mask := range e.masks {
		if ok, _ := filepath.Match(mask, filename); ok {
			return true
		}
	}
	return false
}

// ProcessFile drops every empty or whitespace-only line, wherever it occurs
// in the file (not only trailing ones), and rejoins the rest with "\n".
func (e *extractor) ProcessFile(filename, mimetype string, content []byte) (map[string][]byte, map[string]string, error) {
	lines := bytes.Split(content, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if len(bytes.Trim(lines[i], " \t\r\n")) == 0 {
			lines = append(lines[:i], lines[i+1:]...)
		}
	}
	return map[string][]byte{digestType: bytes.Join(lines, []byte("\n"))}, nil, nil
}

// comparer scores two plaintext digests by the Jaccard index of their line
// sets. It caches the newer side's line set across consecutive calls that
// share the same newer id and digest type, mirroring the caching plaintext.py
// does around difflib's set_seq2.
type comparer struct {
	lastNewerID    int64
	lastDigestType string
	lastNewerLines map[string]struct{}
	haveLast       bool
}

func newComparer(settings map[string]any) (plugin.DigestComparer, error) {
	return &comparer{}, nil
}

func (c *comparer) DigestTypes() []string { return []string{digestType} }

func (c *comparer) CompareDigests(digestType string, olderID int64, older []byte, newerID int64, newer []byte) (float64, error) {
	if !c.haveLast || c.lastNewerID != newerID || c.lastDigestType != digestType {
		c.lastNewerLines = lineSet(newer)
		c.lastNewerID = newerID
		c.lastDigestType = digestType
		c.haveLast = true
	}
	return jaccard(lineSet(older), c.lastNewerLines), nil
}

func lineSet(content []byte) map[string]struct{} {
	lines := bytes.Split(content, []byte("\n"))
	set := make(map[string]struct{}, len(lines))
	for _, l := range lines {
		set[string(l)] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	intersection := 0
	for l := range a {
		if _, ok := b[l]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 1
	}
	return float64(intersection) / float64(union)
}

func stringSliceSetting(settings map[string]any, key string, def []string) []string {
	raw, ok := settings[key]
	if !ok {
		return def
	}
	items, ok := raw.([]any)
	if !ok {
		return def
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set
}
