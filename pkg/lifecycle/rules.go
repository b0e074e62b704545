package lifecycle

import (
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/3leaps/listwatch/pkg/remote"
)

// ReadyStatuses are the leading-item statuses that mark a job as finished.
var ReadyStatuses = []string{"Validado", "Processada", "Enviado"}

// ValidStatusCode is the numeric status that marks a recipient as valid when
// neither status nor message text decides it.
const ValidStatusCode = 7

// Text markers, compared after upper-casing and removing accents.
const (
	statusValidMarker  = "VALID"
	messageValidMarker = "VALIDO"
)

// negatedMarkers are removed before looking for a valid marker.
var negatedMarkers = []string{"INVALID", "NAO VALID", "NAO-VALID"}

// TimestampLayout prefixes result file names.
const TimestampLayout = "20060102_150405"

// originalTag marks a source file kept as the original upload.
const originalTag = "_ORIGINAL"

// IsReady reports whether status is one of ReadyStatuses (exact match).
func IsReady(status string) bool {
	for _, s := range ReadyStatuses {
		if status == s {
			return true
		}
	}
	return false
}

// NormalizePhone keeps only the ASCII digits of raw. ok is false when no digit
// remains.
func NormalizePhone(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", false
	}
	return b.String(), true
}

// IsValid derives the validity flag of an item. Status text is checked first,
// then the message, then the numeric code.
//
// Text matching is stricter than a plain substring test: accents are folded
// and negated forms such as "INVALIDO" or "não válido" never count as valid.
func IsValid(it remote.Item) bool {
	if hasMarker(it.Status, statusValidMarker) {
		return true
	}
	if hasMarker(it.Message, messageValidMarker) {
		return true
	}
	return it.Code != nil && *it.Code == ValidStatusCode
}

func hasMarker(text, marker string) bool {
	s := fold(text)
	for _, neg := range negatedMarkers {
		s = strings.ReplaceAll(s, neg, " ")
	}
	return strings.Contains(s, marker)
}

// fold upper-cases s and strips diacritics ("não válido" -> "NAO VALIDO").
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToUpper(strings.Join(strings.Fields(out), " "))
}

// BaseName returns name without extension, without a trailing "_ORIGINAL" tag
// and without a leading "YYYYMMDD_HHMMSS_" timestamp.
func BaseName(name string) string {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if len(base) > len(originalTag) && strings.EqualFold(base[len(base)-len(originalTag):], originalTag) {
		base = base[:len(base)-len(originalTag)]
	}
	parts := strings.SplitN(base, "_", 3)
	if len(parts) == 3 && isDigits(parts[0]) && isDigits(parts[1]) && parts[2] != "" {
		base = parts[2]
	}
	return base
}

// ResultFileName builds "<at>_<BaseName(original)>.<ext>". An empty ext keeps
// the original extension, defaulting to csv.
func ResultFileName(original string, at time.Time, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = strings.TrimPrefix(filepath.Ext(original), ".")
	}
	if ext == "" {
		ext = "csv"
	}
	return at.Format(TimestampLayout) + "_" + BaseName(original) + "." + ext
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
