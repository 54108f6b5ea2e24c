package subtitle

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.ass")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

// TestNormalizeRewritesStyleAndDialogue covers spec §8 S1/S6: font family
// and size substitution, plus the position prefix.
func TestNormalizeRewritesStyleAndDialogue(t *testing.T) {
	const input = "[V4+ Styles]\n" +
		"Style: Default,Arial,16,&H00FFFFFF,&H000000FF,&H00000000,&H00000000,0,0,0,0,100,100,0,0,1,2,2,2,10,10,10,1\n" +
		"[Events]\n" +
		"Dialogue: 0,0:00:00.00,0:00:02.00,Default,,0,0,0,,Hello\n"

	path := writeTemp(t, input)
	if err := Normalize(path, DefaultStyle); err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	out, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	text := string(out)

	if !strings.Contains(text, "Style: Default,Oath-Bold,20,") {
		t.Errorf("style line not rewritten: %s", text)
	}
	if !strings.Contains(text, `{\pos(193,265)}Hello`) {
		t.Errorf("dialogue line missing position prefix: %s", text)
	}
}

// TestNormalizeIdempotent covers spec §8's round-trip law: the position
// prefix is not re-inserted if already present at the front.
func TestNormalizeIdempotent(t *testing.T) {
	const input = "[Events]\nDialogue: 0,0:00:00.00,0:00:02.00,Default,,0,0,0,,Hello\n"
	path := writeTemp(t, input)

	if err := Normalize(path, DefaultStyle); err != nil {
		t.Fatalf("first Normalize: %v", err)
	}
	first, _ := os.ReadFile(path)

	if err := Normalize(path, DefaultStyle); err != nil {
		t.Fatalf("second Normalize: %v", err)
	}
	second, _ := os.ReadFile(path)

	if string(first) != string(second) {
		t.Errorf("Normalize is not idempotent:\nfirst:  %q\nsecond: %q", first, second)
	}
	if strings.Count(string(second), `\pos(193,265)`) != 1 {
		t.Errorf("expected exactly one position directive, got: %q", second)
	}
}

// TestNormalizeStripsExistingOverrideTags covers spec §8/§9: an existing
// inline override is stripped before the fixed position directive is
// prepended, rather than accumulating both.
func TestNormalizeStripsExistingOverrideTags(t *testing.T) {
	const input = "[Events]\nDialogue: 0,0:00:00.00,0:00:02.00,Default,,0,0,0,,{\\an8}Hello\n"
	path := writeTemp(t, input)

	if err := Normalize(path, DefaultStyle); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	out, _ := os.ReadFile(path)
	text := string(out)

	if !strings.Contains(text, `{\pos(193,265)}Hello`) {
		t.Errorf("expected stripped override replaced by position prefix, got: %q", text)
	}
	if strings.Contains(text, `\an8`) {
		t.Errorf("expected original override tag stripped, got: %q", text)
	}
}

func TestForeignFormat(t *testing.T) {
	cases := map[string]bool{
		".srt": true,
		".vtt": true,
		".ass": false,
		".SRT": true,
	}
	for ext, want := range cases {
		if got := ForeignFormat(ext); got != want {
			t.Errorf("ForeignFormat(%q) = %v, want %v", ext, got, want)
		}
	}
}
