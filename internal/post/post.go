// Package post assembles the canonical public announcement post described
// in spec §4.7 from a session's metadata map and a minted share URL.
package post

import (
	"fmt"
	"strings"

	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"

	"bitriver-submerger/internal/models"
)

// shortDescriptionLimit is the truncation threshold applied when Builder is
// configured for short mode, per spec §4.7.
const shortDescriptionLimit = 100

// Builder assembles post bodies from a session's metadata map.
type Builder struct {
	// ShortMode truncates an overlong description to 97 characters plus an
	// ellipsis, per spec §4.7.
	ShortMode bool
}

// New constructs a Builder.
func New(shortMode bool) *Builder {
	return &Builder{ShortMode: shortMode}
}

// Result is the assembled post: the body text plus an optional cover image
// URL the caller may attempt to publish as a photo.
type Result struct {
	Body     string
	CoverURL string
}

// Build renders the exact §4.7 bullet format from metadata, omitting any
// empty optional field's bullet line entirely.
func (b *Builder) Build(metadata map[models.MetadataKey]string) Result {
	title := normalize(metadata[models.MetaTitle])
	rating := metadata[models.MetaRating]
	episode := metadata[models.MetaEpisode]
	genres := normalize(metadata[models.MetaGenres])
	description := normalize(metadata[models.MetaDescription])
	if description == "" {
		description = normalize(metadata[models.MetaSynopsis])
	}
	if b.ShortMode && len(description) > shortDescriptionLimit {
		description = truncate(description, shortDescriptionLimit)
	}

	var body strings.Builder
	fmt.Fprintf(&body, "☗   %s\n", title)

	var middle []string
	if rating != "" {
		middle = append(middle, fmt.Sprintf("⦿   Ratings: %s", rating))
	}
	if episode != "" {
		middle = append(middle, fmt.Sprintf("⦿   Episode: %s", episode))
	}
	if genres != "" {
		middle = append(middle, fmt.Sprintf("⦿   Genres: %s", genres))
	}
	if len(middle) > 0 {
		body.WriteString("\n")
		body.WriteString(strings.Join(middle, "\n"))
		body.WriteString("\n")
	}

	if description != "" {
		body.WriteString("\n")
		fmt.Fprintf(&body, "◆   Synopsis: %s\n", description)
	}

	return Result{
		Body:     strings.TrimRight(body.String(), "\n"),
		CoverURL: metadata[models.MetaCoverURL],
	}
}

// truncate cuts s to limit-3 runes followed by an ellipsis, for a total
// length of limit runes, per spec §4.7 ("truncated to 97 characters
// followed by an ellipsis").
func truncate(s string, limit int) string {
	runesSlice := []rune(s)
	if len(runesSlice) <= limit {
		return s
	}
	return string(runesSlice[:limit-3]) + "..."
}

// normalize folds full-width punctuation and other compatibility forms
// pasted from a source listing into their canonical narrow equivalents, so
// operator-supplied metadata renders consistently in the published post.
func normalize(s string) string {
	if s == "" {
		return s
	}
	folded, _, err := transform.String(transform.Chain(width.Fold, norm.NFC), s)
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(folded)
}
