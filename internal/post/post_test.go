package post

import (
	"strings"
	"testing"

	"bitriver-submerger/internal/models"
)

// TestBuildMatchesS2 reproduces spec §8 S2's exact expected post body.
func TestBuildMatchesS2(t *testing.T) {
	metadata := map[models.MetadataKey]string{
		models.MetaTitle:       "Battle",
		models.MetaRating:      "95",
		models.MetaEpisode:     "12",
		models.MetaGenres:      "Action, Adventure",
		models.MetaDescription: "A hero rises.",
	}
	builder := New(false)
	got := builder.Build(metadata).Body

	want := "☗   Battle\n\n" +
		"⦿   Ratings: 95\n" +
		"⦿   Episode: 12\n" +
		"⦿   Genres: Action, Adventure\n\n" +
		"◆   Synopsis: A hero rises."

	if got != want {
		t.Errorf("Build() =\n%q\nwant\n%q", got, want)
	}
}

func TestBuildOmitsEmptyOptionalFields(t *testing.T) {
	metadata := map[models.MetadataKey]string{
		models.MetaTitle: "Episode 1",
	}
	got := New(false).Build(metadata).Body
	if strings.Contains(got, "Ratings") || strings.Contains(got, "Episode:") || strings.Contains(got, "Genres") {
		t.Errorf("expected empty optional fields omitted, got: %q", got)
	}
	if strings.Contains(got, "Synopsis") {
		t.Errorf("expected synopsis omitted when description is empty, got: %q", got)
	}
	if !strings.HasPrefix(got, "☗   Episode 1") {
		t.Errorf("expected title line, got: %q", got)
	}
}

func TestBuildTruncatesLongDescriptionInShortMode(t *testing.T) {
	long := strings.Repeat("a", 150)
	metadata := map[models.MetadataKey]string{
		models.MetaTitle:       "T",
		models.MetaDescription: long,
	}
	got := New(true).Build(metadata).Body
	idx := strings.Index(got, "Synopsis: ")
	if idx < 0 {
		t.Fatalf("expected synopsis line, got: %q", got)
	}
	synopsis := got[idx+len("Synopsis: "):]
	if !strings.HasSuffix(synopsis, "...") {
		t.Errorf("expected truncated synopsis to end with ellipsis, got: %q", synopsis)
	}
	if len(synopsis) != shortDescriptionLimit {
		t.Errorf("truncated synopsis length = %d, want %d", len(synopsis), shortDescriptionLimit)
	}
}

func TestBuildCoverURLPassthrough(t *testing.T) {
	metadata := map[models.MetadataKey]string{
		models.MetaTitle:    "T",
		models.MetaCoverURL: "https://example.com/cover.jpg",
	}
	got := New(false).Build(metadata)
	if got.CoverURL != "https://example.com/cover.jpg" {
		t.Errorf("CoverURL = %q", got.CoverURL)
	}
}
