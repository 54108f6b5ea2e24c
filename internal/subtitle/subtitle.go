// Package subtitle implements the Subtitle Normalizer (spec §4.5 item 1,
// §4.6 step 3): it reports which formats need converting to the canonical
// ASS format (the conversion itself is run by the pipeline through the
// Media Tool Adapter), then rewrites the ASS file's Style and Dialogue
// records in-process.
package subtitle

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Canonical extensions recognized by the pipeline.
const (
	ExtCanonical = ".ass"
)

// ForeignFormat reports whether ext (including the leading dot) names a
// format that must be converted before muxing.
func ForeignFormat(ext string) bool {
	switch strings.ToLower(ext) {
	case ".srt", ".vtt":
		return true
	case ExtCanonical:
		return false
	default:
		return false
	}
}

// Style describes the display font substitution applied to every "Style:
// Default" record, per spec §4.6 step 3 and original_source's
// subtitle_formater.py.
type Style struct {
	// FontFamily replaces whatever font family the converted file carries
	// (the source's Arial default).
	FontFamily string
	// SizePoints replaces the style's font size (the source's 16).
	SizePoints int
}

// DefaultStyle matches spec §8 S1/S6's expected "Oath-Bold" size 20.
var DefaultStyle = Style{FontFamily: "Oath-Bold", SizePoints: 20}

// position is the fixed pixel-coordinate directive spec §9 requires treating
// as a constant, uncalibrated to the video's actual resolution.
const position = `{\pos(193,265)}`

// overrideTag matches any ASS inline override block so it can be stripped
// from the start of a dialogue's visible text before the position prefix is
// (re-)applied, keeping Normalize idempotent per spec §8.
var overrideTag = regexp.MustCompile(`^(\{[^}]*\})+`)

// styleDefaultPrefix and dialoguePrefix identify the two line kinds
// Normalize rewrites, matching original_source/plugins/SUBMERGER.py's
// `line.startswith(...)` checks.
const (
	styleDefaultPrefix = "Style: Default"
	dialoguePrefix     = "Dialogue:"
)

// fontFieldIndex and sizeFieldIndex are the comma-separated field positions
// within a "Style:" line, per the ASS Style format
// (Name,Fontname,Fontsize,...). The source replaces the literal substrings
// "Arial" and ",16," instead of parsing fields; this reimplementation parses
// fields so any default font/size is normalized, not only the source's
// hardcoded pair.
const (
	fontFieldIndex = 1
	sizeFieldIndex = 2
)

// dialogueTextFieldIndex is the 10th comma-separated field (index 9) of a
// Dialogue line, matching SUBMERGER.py's `parts[9]`.
const dialogueTextFieldIndex = 9

// Normalize rewrites an ASS file in place: every "Style: Default" line gets
// style's font family and size; every "Dialogue:" line has any existing
// inline override tags stripped from its visible text and the fixed
// position directive prepended. Running Normalize twice on its own output
// is a no-op beyond the idempotent rewrite, per spec §8's round-trip law.
func Normalize(path string, style Style) error {
	lines, err := readLines(path)
	if err != nil {
		return fmt.Errorf("subtitle: read %s: %w", path, err)
	}
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, styleDefaultPrefix):
			lines[i] = rewriteStyleLine(line, style)
		case strings.HasPrefix(line, dialoguePrefix):
			lines[i] = rewriteDialogueLine(line)
		}
	}
	if err := writeLines(path, lines); err != nil {
		return fmt.Errorf("subtitle: write %s: %w", path, err)
	}
	return nil
}

func rewriteStyleLine(line string, style Style) string {
	fields := strings.Split(line, ",")
	if len(fields) <= sizeFieldIndex {
		return line
	}
	if style.FontFamily != "" {
		fields[fontFieldIndex] = style.FontFamily
	}
	if style.SizePoints > 0 {
		fields[sizeFieldIndex] = strconv.Itoa(style.SizePoints)
	}
	return strings.Join(fields, ",")
}

func rewriteDialogueLine(line string) string {
	fields := strings.SplitN(line, ",", dialogueTextFieldIndex+1)
	if len(fields) <= dialogueTextFieldIndex {
		return line
	}
	text := fields[dialogueTextFieldIndex]
	text = overrideTag.ReplaceAllString(text, "")
	fields[dialogueTextFieldIndex] = position + text
	return strings.Join(fields, ",")
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func writeLines(path string, lines []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.WriteString(line); err != nil {
			return err
		}
		if _, err := w.WriteString("\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}
