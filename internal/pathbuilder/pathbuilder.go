package pathbuilder

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/aronjanosch/audible-web-downloader/internal/config"
	"github.com/aronjanosch/audible-web-downloader/internal/services/audible"
)

const maxSegmentRunes = 200

var (
	illegalChars  = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f\x7f-\x9f]`)
	placeholderRe = regexp.MustCompile(`\{[A-Za-z]+\}`)
	innerBracket  = regexp.MustCompile(`\[([^\[\]]*)\]`)
	emptyBrackets = regexp.MustCompile(`\(\s*\)|\[\s*\]|\{\s*\}`)
	multiSpace    = regexp.MustCompile(`\s+`)
	dashRuns      = regexp.MustCompile(`(\s*-\s*)+`)
)

// Markers appended to contributor names to credit a translation. Contributors
// carrying one are dropped from author formatting.
var translatorMarkers = []string{
	"- übersetzer",
	"- translator",
	"- traducteur",
	"- traductor",
	"- traduttore",
	"- vertaler",
	"- översättare",
}

func isTranslator(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range translatorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Builder resolves library locations from catalog metadata according to the
// configured naming scheme.
type Builder struct {
	naming config.Naming
}

func New(naming config.Naming) *Builder {
	return &Builder{naming: naming}
}

// Sanitize strips characters that are unsafe in path segments, normalizes the
// text to NFC, and truncates overlong segments.
func Sanitize(name string) string {
	cleaned := illegalChars.ReplaceAllString(norm.NFC.String(name), "_")
	cleaned = strings.TrimSpace(cleaned)
	runes := []rune(cleaned)
	if len(runes) > maxSegmentRunes {
		cleaned = strings.TrimSpace(string(runes[:maxSegmentRunes]))
	}
	return cleaned
}

// FormatAuthors joins author credits for a directory name. Translator credits
// are dropped first; when several contributors remain, those carrying a
// catalog ASIN are preferred as the primary authors.
func FormatAuthors(authors []audible.Contributor) string {
	names := make([]string, 0, len(authors))
	for _, a := range authors {
		if a.Name == "" || isTranslator(a.Name) {
			continue
		}
		names = append(names, a.Name)
	}
	if len(names) > 1 {
		primary := make([]string, 0, len(names))
		for _, a := range authors {
			if a.ASIN != "" && a.Name != "" && !isTranslator(a.Name) {
				primary = append(primary, a.Name)
			}
		}
		if len(primary) > 0 {
			names = primary
		}
	}
	switch {
	case len(names) == 0:
		return "Unknown Author"
	case len(names) == 1:
		return names[0]
	case len(names) == 2:
		return names[0] + " & " + names[1]
	case len(names) == 3:
		return strings.Join(names[:2], ", ") + " and " + names[2]
	default:
		return "Various Authors"
	}
}

// FormatNarrators joins at most two narrator names, or returns empty when the
// product has no narrator credits.
func FormatNarrators(narrators []audible.Contributor) string {
	names := make([]string, 0, 2)
	for _, n := range narrators {
		if n.Name == "" {
			continue
		}
		names = append(names, n.Name)
		if len(names) == 2 {
			break
		}
	}
	return strings.Join(names, " & ")
}

// SeriesInfo returns the primary series title and volume sequence, empty when
// the product is standalone.
func SeriesInfo(series []audible.Series) (title, volume string) {
	if len(series) == 0 {
		return "", ""
	}
	return series[0].Title, series[0].Sequence
}

// WorkDir returns the per-title working directory under the downloads root.
func (b *Builder) WorkDir(downloadsDir, title string) string {
	return filepath.Join(downloadsDir, Sanitize(title))
}

// FinalPath resolves the destination .m4b path under libraryDir. A configured
// pattern takes precedence; otherwise the nested author/series layout or a
// flat per-title directory is used.
func (b *Builder) FinalPath(libraryDir string, product audible.Product) string {
	if b.naming.Pattern != "" {
		if path := b.patternPath(libraryDir, product); path != "" {
			return path
		}
	}
	if b.naming.UseNestedStructure {
		return b.nestedPath(libraryDir, product)
	}
	safeTitle := Sanitize(product.Title)
	return filepath.Join(libraryDir, safeTitle, safeTitle+".m4b")
}

// nestedPath builds Author/[Series/]Vol. N - Year - Title {Narrators}/Title.m4b.
func (b *Builder) nestedPath(libraryDir string, product audible.Product) string {
	segments := []string{libraryDir, Sanitize(FormatAuthors(product.Authors))}

	seriesTitle, volume := SeriesInfo(product.Series)
	if seriesTitle != "" {
		segments = append(segments, Sanitize(seriesTitle))
	}

	var parts []string
	if volume != "" {
		parts = append(parts, "Vol. "+volume)
	}
	if year := product.Year(); year != "" {
		parts = append(parts, year)
	}
	parts = append(parts, product.Title)

	folder := strings.Join(parts, " - ")
	if narrators := FormatNarrators(product.Narrators); narrators != "" {
		folder += fmt.Sprintf(" {%s}", narrators)
	}
	segments = append(segments, Sanitize(folder))

	return filepath.Join(append(segments, Sanitize(product.Title)+".m4b")...)
}

// patternPath expands the configured naming template. Path separators in the
// pattern delimit directory levels; empty segments collapse. Returns empty
// when the pattern resolves to nothing usable.
func (b *Builder) patternPath(libraryDir string, product audible.Product) string {
	seriesTitle, volume := SeriesInfo(product.Series)
	replacements := map[string]string{
		"{Author}":    FormatAuthors(product.Authors),
		"{Series}":    seriesTitle,
		"{Volume}":    volume,
		"{Title}":     product.Title,
		"{Year}":      product.Year(),
		"{Narrator}":  FormatNarrators(product.Narrators),
		"{Publisher}": product.PublisherName,
		"{Language}":  product.Language,
		"{ASIN}":      product.ASIN,
	}

	expanded := resolveConditionals(b.naming.Pattern, replacements)
	for placeholder, value := range replacements {
		expanded = strings.ReplaceAll(expanded, placeholder, value)
	}

	var segments []string
	for _, part := range strings.Split(expanded, "/") {
		part = Sanitize(cleanupSegment(part))
		if part != "" {
			segments = append(segments, part)
		}
	}
	if len(segments) == 0 {
		return ""
	}
	last := segments[len(segments)-1]
	if !strings.HasSuffix(last, ".m4b") {
		segments[len(segments)-1] = last + ".m4b"
	}
	return filepath.Join(append([]string{libraryDir}, segments...)...)
}

// resolveConditionals processes [ ... ] sections innermost first: a section is
// dropped entirely when any placeholder inside it expands to empty.
func resolveConditionals(pattern string, replacements map[string]string) string {
	for i := 0; i < 10 && strings.Contains(pattern, "["); i++ {
		match := innerBracket.FindStringSubmatch(pattern)
		if match == nil {
			break
		}
		content := match[1]
		keep := true
		for _, placeholder := range placeholderRe.FindAllString(content, -1) {
			if value, ok := replacements[placeholder]; ok && value == "" {
				keep = false
				break
			}
		}
		if !keep {
			content = ""
		}
		pattern = strings.Replace(pattern, match[0], content, 1)
	}
	return pattern
}

// cleanupSegment collapses the debris left behind by dropped conditional
// sections: empty bracket pairs, repeated spaces, and dangling dashes.
func cleanupSegment(text string) string {
	text = emptyBrackets.ReplaceAllString(text, "")
	text = multiSpace.ReplaceAllString(text, " ")
	text = dashRuns.ReplaceAllString(text, " - ")
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "- ")
	text = strings.TrimSuffix(text, " -")
	return strings.TrimSpace(text)
}
