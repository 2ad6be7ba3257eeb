// Package naming centralises the identifiers woven into everything the
// engine writes to disk: provider slugs, snake_case work directory names
// and sanitised artefact filenames.
package naming

import (
	"strings"
	"unicode"
)

// providerSlugs maps canonical provider keys to the short tokens used in
// artefact filenames. Unknown providers fall back to a snake-cased key.
var providerSlugs = map[string]string{
	"internet_archive": "ia",
	"bnf_gallica":      "gallica",
	"mdz":              "mdz",
	"loc":              "loc",
	"europeana":        "europeana",
	"dpla":             "dpla",
	"ddb":              "ddb",
	"google_books":     "gb",
	"wellcome":         "wellcome",
	"polona":           "polona",
	"bne":              "bne",
	"hathitrust":       "hathi",
	"british_library":  "bl",
	"annas_archive":    "annas",
}

// providerAbbrevs are the uppercase display tokens used in log lines.
// Both registry keys and host-map keys appear, since log call sites hold
// either.
var providerAbbrevs = map[string]string{
	"gallica":          "GAL",
	"bnf_gallica":      "GAL",
	"british_library":  "BL",
	"mdz":              "MDZ",
	"europeana":        "EUROPEANA",
	"wellcome":         "WELLCOME",
	"loc":              "LOC",
	"ddb":              "DDB",
	"polona":           "POLONA",
	"bne":              "BNE",
	"dpla":             "DPLA",
	"internet_archive": "IA",
	"google_books":     "GB",
	"hathitrust":       "HATHI",
	"annas_archive":    "ANNAS",
}

// ProviderSlug returns the filename token for a provider key: the mapped
// short slug when known, a snake-cased key otherwise, "unknown" for an
// empty key.
func ProviderSlug(key string) string {
	if key == "" {
		return "unknown"
	}
	if slug, ok := providerSlugs[key]; ok {
		return slug
	}
	return ToSnakeCase(key)
}

// ProviderAbbrev returns the uppercase display token for log lines.
func ProviderAbbrev(key string) string {
	if a, ok := providerAbbrevs[key]; ok {
		return a
	}
	return strings.ToUpper(key)
}

// ToSnakeCase lowercases s, turns every run of non-alphanumeric characters
// into a single underscore and inserts an underscore at letter/digit
// boundaries, so "E0001" becomes "e_0001" and "Crónica General" becomes
// "crónica_general". Note it does not split camelCase.
func ToSnakeCase(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	prevUnderscore := true // suppress leading underscore
	var prev rune
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			boundary := (unicode.IsLetter(prev) && unicode.IsDigit(r)) ||
				(unicode.IsDigit(prev) && unicode.IsLetter(r))
			if boundary && !prevUnderscore {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevUnderscore = false
		default:
			if !prevUnderscore {
				b.WriteByte('_')
				prevUnderscore = true
			}
		}
		prev = r
	}
	return strings.TrimRight(b.String(), "_")
}

// maxFilenameBase bounds the base (pre-extension) part of sanitised names
// so deep work directories stay within common filesystem limits.
const maxFilenameBase = 100

// SanitizeFilename makes s safe to use as a single path element. Illegal
// filesystem characters are removed, runs of whitespace and separators
// collapse to one underscore, the base is capped at 100 runes and the
// extension chain (".tar.gz" stays ".tar.gz") is preserved untouched.
// A name with nothing left becomes "_untitled_".
func SanitizeFilename(s string) string {
	base, ext := splitNameAndSuffixes(lastPathElement(s))

	var b strings.Builder
	b.Grow(len(base))
	lastSep := false
	for _, r := range base {
		switch {
		case r == '<' || r == '>' || r == ':' || r == '"' || r == '/' ||
			r == '\\' || r == '|' || r == '?' || r == '*' || r < 0x20:
			// drop
		case unicode.IsSpace(r) || r == '.' || r == '_' || r == '-':
			if !lastSep {
				b.WriteByte('_')
				lastSep = true
			}
		default:
			b.WriteRune(r)
			lastSep = false
		}
	}
	clean := strings.Trim(b.String(), "._-")
	if clean == "" {
		clean = "_untitled_"
	}
	if runes := []rune(clean); len(runes) > maxFilenameBase {
		clean = string(runes[:maxFilenameBase])
	}
	return clean + ext
}

// lastPathElement takes the final component, treating both separators as
// path dividers whatever platform produced the name.
func lastPathElement(s string) string {
	if i := strings.LastIndexAny(s, `/\`); i >= 0 {
		return s[i+1:]
	}
	return s
}

// splitNameAndSuffixes splits a filename into base and extension chain:
// everything from the first dot after any leading dots is the extension,
// so "archive.tar.gz" yields ("archive", ".tar.gz") and ".bashrc" yields
// (".bashrc", ""). A trailing dot means no extension.
func splitNameAndSuffixes(name string) (string, string) {
	if name == "" || strings.HasSuffix(name, ".") {
		return name, ""
	}
	trimmed := strings.TrimLeft(name, ".")
	lead := len(name) - len(trimmed)
	idx := strings.Index(trimmed, ".")
	if idx < 0 {
		return name, ""
	}
	return name[:lead+idx], name[lead+idx:]
}

// maxTitleRunes caps the title component of a work directory name.
const maxTitleRunes = 80

// WorkDirName builds the per-work directory name from the CSV entry id
// and the queried title: {snake_entry}_{snake_title} with the title part
// capped at 80 runes. A missing title becomes "untitled"; with nothing at
// all the whole name is "untitled".
func WorkDirName(entryID, title string) string {
	entry := ToSnakeCase(entryID)

	var t string
	if title == "" {
		t = "untitled"
	} else {
		t = ToSnakeCase(title)
		if runes := []rune(t); len(runes) > maxTitleRunes {
			t = string(runes[:maxTitleRunes])
		}
	}

	switch {
	case entry == "" && t == "":
		return "untitled"
	case entry == "":
		return t
	case t == "":
		return entry
	}
	return entry + "_" + t
}
