package homoglyph

import "testing"

func TestNormalizeTextReplacesCyrillicLookalikes(t *testing.T) {
	// "раssword" with Cyrillic р and а.
	input := "раssword"
	got := normalizeText(input)
	if got != "password" {
		t.Errorf("got %q, want %q", got, "password")
	}
}

func TestNormalizeTextLeavesOrdinaryTextAlone(t *testing.T) {
	input := "the quick brown fox"
	if got := normalizeText(input); got != input {
		t.Errorf("got %q, want unchanged %q", got, input)
	}
}

func TestProcessFileNormalizesThenStripsTrailingBlankLines(t *testing.T) {
	ext, err := newExtractor(nil)
	if err != nil {
		t.Fatalf("newExtractor: %v", err)
	}
	// Second line spells "password" using Cyrillic а and о.
	content := []byte("line one\npаsswоrd\n\n")
	digests, _, err := ext.ProcessFile("a.txt", "text/plain", content)
	if err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}
	want := "line one\npassword"
	if got := string(digests[digestType]); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCompareDigestsMatchesAfterNormalization(t *testing.T) {
	c, _ := newComparer(nil)
	score, err := c.CompareDigests(digestType, 1, []byte("password"), 2, []byte("password"))
	if err != nil {
		t.Fatalf("CompareDigests: %v", err)
	}
	if score != 1 {
		t.Errorf("expected identical normalized digests to score 1, got %v", score)
	}
}
