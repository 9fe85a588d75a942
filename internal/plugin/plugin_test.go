package plugin_test

import (
	"testing"

	"coursewatch/internal/plugin"
	_ "coursewatch/internal/plugin/homoglyph"
	_ "coursewatch/internal/plugin/plaintext"
)

func TestNewWorkerRegistersBuiltinPlugins(t *testing.T) {
	w, err := plugin.NewWorker(nil)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	extractors := w.ExtractorsFor("report.txt", "text/plain", 100)
	if len(extractors) != 2 {
		t.Fatalf("expected 2 extractors to claim report.txt, got %d", len(extractors))
	}

	if _, ok := w.ComparerFor("plaintext"); !ok {
		t.Error("expected a comparer registered for plaintext")
	}
	if _, ok := w.ComparerFor("homoglyph"); !ok {
		t.Error("expected a comparer registered for homoglyph")
	}
	if _, ok := w.ComparerFor("unknown-type"); ok {
		t.Error("expected no comparer for an unregistered digest type")
	}
}

func TestDigestTypesListsEveryExtractorType(t *testing.T) {
	types, err := plugin.DigestTypes(nil)
	if err != nil {
		t.Fatalf("DigestTypes: %v", err)
	}
	want := map[string]bool{"plaintext": false, "homoglyph": false}
	for _, ty := range types {
		if _, ok := want[ty]; ok {
			want[ty] = true
		}
	}
	for ty, found := range want {
		if !found {
			t.Errorf("expected digest type %q to be listed, got %v", ty, types)
		}
	}
}

func TestNewWorkerHonorsPerPluginSettings(t *testing.T) {
	w, err := plugin.NewWorker(map[string]map[string]any{
		"plaintext": {"masks": []any{"*.md"}},
		"homoglyph": {"masks": []any{"*.md"}},
	})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if got := w.ExtractorsFor("main.py", "", 10); len(got) != 0 {
		t.Errorf("expected no extractors to claim main.py once masks are overridden, got %d", len(got))
	}
	if got := w.ExtractorsFor("readme.md", "", 10); len(got) != 2 {
		t.Errorf("expected both extractors to claim readme.md, got %d", len(got))
	}
}
