// Package homoglyph implements a digest plugin that normalizes Unicode
// homoglyphs — Cyrillic and Greek letters that render identically to Latin
// ones — back to plain Latin before building its digest, so that a submission swapping
// "a" for Cyrillic "а" to dodge a plaintext comparison still matches.
//
// Grounded on original_source's digests/plugins/_homoglyphs.py, which
// builds its substitution table from the Python "homoglyphs" package at
// import time. That package has no Go port in this codebase's dependency
// corpus, so the table here is a hand-curated equivalent covering the
// Cyrillic and Greek letters that are visually identical to a Latin
// counterpart at normal text sizes; see DESIGN.md for why this is a
// standard-library-only component.
package homoglyph

import (
	"bytes"
	"path/filepath"
	"strings"

	"coursewatch/internal/plugin"
)

const digestType = "homoglyph"

func init() {
	plugin.RegisterExtractor("homoglyph", newExtractor)
	plugin.RegisterComparer("homoglyph", newComparer)
}

var defaultMimetypes = []string{"text/plain"}

var defaultMasks = []string{"*.txt", "*.py", "*.pyw", "*.c", "*.cpp", "*.cs", "*.java", "*.js"}

// confusables maps a homoglyph rune to the Latin letter it's mistaken for.
// Built from the Cyrillic and Greek letters whose lower- and upper-case
// glyphs are indistinguishable from a Latin letter in most fonts.
var confusables = map[rune]rune{
	// Cyrillic lower-case.
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c', 'у': 'y', 'х': 'x',
	'і': 'i', 'ѕ': 's', 'ј': 'j',
	// Cyrillic upper-case.
	'А': 'A', 'В': 'B', 'Е': 'E', 'К': 'K', 'М': 'M', 'Н': 'H', 'О': 'O',
	'Р': 'P', 'С': 'C', 'Т': 'T', 'У': 'Y', 'Х': 'X', 'Ѕ': 'S', 'І': 'I',
	'Ј': 'J',
	// Greek lower-case.
	'α': 'a', 'ο': 'o', 'ρ': 'p', 'υ': 'y', 'ν': 'v', 'κ': 'k',
	// Greek upper-case.
	'Α': 'A', 'Β': 'B', 'Ε': 'E', 'Ζ': 'Z', 'Η': 'H', 'Ι': 'I', 'Κ': 'K',
	'Μ': 'M', 'Ν': 'N', 'Ο': 'O', 'Ρ': 'P', 'Τ': 'T', 'Υ': 'Y', 'Χ': 'X',
}

// normalizeText replaces every homoglyph rune in text with its Latin
// equivalent, leaving everything else untouched.
func normalizeText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if latin, ok := confusables[r]; ok {
			b.WriteRune(latin)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

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

func (e *extractor) Name() string { return "homoglyph" }

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

// ProcessFile normalizes homoglyphs, then drops every empty or
// whitespace-only line exactly as the plaintext extractor does, so the two digest types
// stay comparable line-for-line.
func (e *extractor) ProcessFile(filename, mimetype string, content []byte) (map[string][]byte, map[string]string, error) {
	normalized := []byte(normalizeText(string(content)))
	lines := bytes.Split(normalized, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if len(bytes.Trim(lines[i], " \t\r\n")) == 0 {
			lines = append(lines[:i], lines[i+1:]...)
		}
	}
	return map[string][]byte{digestType: bytes.Join(lines, []byte("\n"))}, nil, nil
}

// comparer scores two already-normalized homoglyph digests by the Jaccard
// index of their line sets, the same scoring plaintext uses — the two
// digest types only differ in what happens before hashing, not in how
// similarity is judged afterward.
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
