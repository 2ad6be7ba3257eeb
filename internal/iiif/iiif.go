// Package iiif traverses IIIF Presentation manifests and fetches their
// page images and alternate-format renderings.
//
// Both Presentation API shapes are understood: v2 (sequences/canvases)
// and v3 (items/AnnotationPages). Traversal is tolerant, a malformed
// canvas is skipped rather than fatal, because real-world manifests
// bend the Presentation API in every direction.
package iiif

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/request"
)

// Manifest is a fetched IIIF Presentation document. Raw retains the
// decoded JSON so provider-specific fields stay available downstream.
type Manifest struct {
	URL string
	Raw map[string]any
}

// manifestPatterns recognise manifest links from the major digital
// libraries plus the generic Presentation API conventions.
var manifestPatterns = compilePatterns([]string{
	`manifest\.json$`,
	`/manifest$`,
	`iiif\.archive\.org/iiif/.+/manifest`,
	`iiif\.archivelab\.org/iiif/.+/manifest`,
	`gallica\.bnf\.fr/iiif/ark:`,
	`api\.digitale-sammlungen\.de/iiif/presentation`,
	`digitale-sammlungen\.de/.+/manifest`,
	`babel\.hathitrust\.org/cgi/imgsrv/manifest`,
	`loc\.gov/.+/manifest`,
	`iiif\.wellcomecollection\.org/presentation`,
	`api\.bl\.uk/metadata/iiif`,
	`/iiif/\d+/manifest`,
	`/presentation/v[23]/.+/manifest`,
	`/iiif/presentation/`,
})

func compilePatterns(pats []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(pats))
	for i, p := range pats {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// IsManifestURL reports whether u looks like an IIIF Presentation
// manifest link. CSV rows whose URL passes this check bypass the
// search phase and download straight from the manifest.
func IsManifestURL(u string) bool {
	u = strings.TrimSpace(u)
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return false
	}
	for _, re := range manifestPatterns {
		if re.MatchString(u) {
			return true
		}
	}
	return false
}

// DetectProvider guesses the owning provider from a manifest URL.
// Unknown hosts map to the direct_iiif pseudo-provider, which has no
// quota and default network settings.
func DetectProvider(u string) (key, display string) {
	lower := strings.ToLower(u)
	switch {
	case strings.Contains(lower, "archive.org"), strings.Contains(lower, "archivelab.org"):
		return "internet_archive", "Internet Archive"
	case strings.Contains(lower, "gallica.bnf.fr"):
		return "bnf_gallica", "BnF Gallica"
	case strings.Contains(lower, "digitale-sammlungen.de"):
		return "mdz", "MDZ"
	case strings.Contains(lower, "hathitrust.org"):
		return "hathitrust", "HathiTrust"
	case strings.Contains(lower, "loc.gov"):
		return "loc", "Library of Congress"
	case strings.Contains(lower, "wellcomecollection.org"):
		return "wellcome", "Wellcome Collection"
	case strings.Contains(lower, "bl.uk"):
		return "british_library", "British Library"
	case strings.Contains(lower, "europeana.eu"):
		return "europeana", "Europeana"
	case strings.Contains(lower, "polona.pl"):
		return "polona", "Polona"
	case strings.Contains(lower, "ddb.de"), strings.Contains(lower, "deutsche-digitale-bibliothek"):
		return "ddb", "DDB"
	case strings.Contains(lower, "bne.es"):
		return "bne", "BNE"
	}
	return "direct_iiif", "Direct IIIF"
}

var trailingManifestRe = regexp.MustCompile(`(?i)/manifest(\.json)?$`)

var itemIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/iiif/([^/]+)/manifest`),
	regexp.MustCompile(`/view/([^/]+)`),
	regexp.MustCompile(`/details/([^/]+)`),
	regexp.MustCompile(`/item/([^/]+)`),
	regexp.MustCompile(`/ark:/[^/]+/([^/]+)`),
	regexp.MustCompile(`/presentation/v\d+/([^/]+)`),
	regexp.MustCompile(`/i3f/v\d+/([^/]+)`),
	regexp.MustCompile(`([a-zA-Z0-9_-]{5,})$`),
}

// ExtractItemID pulls a usable identifier out of a manifest URL for
// file naming, falling back to a short URL hash when no path segment
// fits a known pattern.
func ExtractItemID(u string) string {
	cleaned := u
	if i := strings.Index(cleaned, "://"); i >= 0 {
		cleaned = cleaned[i+3:]
	}
	cleaned = trailingManifestRe.ReplaceAllString(cleaned, "")
	for _, re := range itemIDPatterns {
		if m := re.FindStringSubmatch(cleaned); m != nil {
			return m[1]
		}
	}
	sum := md5.Sum([]byte(u))
	return hex.EncodeToString(sum[:])[:12]
}

// Fetch retrieves and decodes a manifest. A nil manifest with a nil
// error means the fetch was absorbed (network failure or a payload
// that is not a JSON object).
func Fetch(ctx context.Context, c *request.Client, url string) (*Manifest, error) {
	body, err := c.Get(ctx, url, nil, nil)
	if err != nil || body == nil {
		return nil, err
	}
	raw, err := body.Map()
	if err != nil {
		logx.Warnf("iiif: manifest at %s is not a JSON object: %v", url, err)
		return nil, nil
	}
	return &Manifest{URL: url, Raw: raw}, nil
}

// ImageServices returns the Image API service base URL for every
// canvas, one per page, order preserved and deduplicated.
func (m *Manifest) ImageServices() []string {
	var bases []string

	// v2: sequences[0].canvases[].images[0].resource.service
	if seqs := asSlice(m.Raw["sequences"]); len(seqs) > 0 {
		for _, cv := range asSlice(asMap(seqs[0])["canvases"]) {
			images := asSlice(asMap(cv)["images"])
			if len(images) == 0 {
				continue
			}
			res := asMap(asMap(images[0])["resource"])
			id := firstString(asMap(res["service"]), "@id", "id")
			if id == "" {
				// Some servers skip the service block and put the
				// full Image API URL on the resource itself.
				if imgURL := firstString(res, "@id", "id"); strings.Contains(imgURL, "/full/") {
					id = strings.SplitN(imgURL, "/full/", 2)[0]
				}
			}
			if id != "" {
				bases = append(bases, id)
			}
		}
	}

	// v3: items[].items[0].items[0].body.service(s)
	for _, cv := range asSlice(m.Raw["items"]) {
		body := canvasBody(asMap(cv))
		if body == nil {
			continue
		}
		svc := body["service"]
		if svc == nil {
			svc = body["services"]
		}
		svcObj := asMap(svc)
		if svcObj == nil {
			if sl := asSlice(svc); len(sl) > 0 {
				svcObj = asMap(sl[0])
			}
		}
		id := firstString(svcObj, "@id", "id")
		if id == "" {
			if bodyID := asString(body["id"]); strings.Contains(bodyID, "/full/") {
				id = strings.SplitN(bodyID, "/full/", 2)[0]
			}
		}
		if id != "" {
			bases = append(bases, id)
		}
	}

	return dedupe(bases)
}

// DirectImageURLs returns per-canvas image URLs for manifests that
// embed plain images with no Image API service.
func (m *Manifest) DirectImageURLs() []string {
	var urls []string

	if seqs := asSlice(m.Raw["sequences"]); len(seqs) > 0 {
		for _, cv := range asSlice(asMap(seqs[0])["canvases"]) {
			images := asSlice(asMap(cv)["images"])
			if len(images) == 0 {
				continue
			}
			res := asMap(asMap(images[0])["resource"])
			if u := firstString(res, "@id", "id"); u != "" {
				urls = append(urls, u)
			}
		}
	}

	for _, cv := range asSlice(m.Raw["items"]) {
		body := canvasBody(asMap(cv))
		if body == nil {
			continue
		}
		if u := asString(body["id"]); u != "" {
			urls = append(urls, u)
		}
	}

	return dedupe(urls)
}

// canvasBody digs out the painting annotation body of a v3 canvas,
// unwrapping the body-as-list variant.
func canvasBody(canvas map[string]any) map[string]any {
	pages := asSlice(canvas["items"])
	if len(pages) == 0 {
		return nil
	}
	annos := asSlice(asMap(pages[0])["items"])
	if len(annos) == 0 {
		return nil
	}
	bodyVal := asMap(annos[0])["body"]
	body := asMap(bodyVal)
	if body == nil {
		if bl := asSlice(bodyVal); len(bl) > 0 {
			body = asMap(bl[0])
		}
	}
	return body
}

// Label returns the manifest label, flattening localized values.
func (m *Manifest) Label() string {
	return localizedString(m.Raw["label"])
}

// Attribution returns the v2 attribution or the v3 requiredStatement
// value.
func (m *Manifest) Attribution() string {
	v := m.Raw["attribution"]
	if v == nil {
		if rs := asMap(m.Raw["requiredStatement"]); rs != nil {
			v = rs["value"]
		}
	}
	return localizedString(v)
}

// Metadata flattens the manifest's descriptive label/value pairs.
func (m *Manifest) Metadata() map[string]string {
	out := map[string]string{}
	for _, e := range asSlice(m.Raw["metadata"]) {
		entry := asMap(e)
		if entry == nil {
			continue
		}
		k := localizedString(entry["label"])
		if k == "" {
			continue
		}
		out[k] = localizedString(entry["value"])
	}
	return out
}

type rendering struct {
	URL    string
	Format string
}

// renderings collects the manifest-level rendering entries; servers
// emit either a single object or an array.
func (m *Manifest) renderings() []rendering {
	var out []rendering
	switch r := m.Raw["rendering"].(type) {
	case map[string]any:
		out = appendRendering(out, r)
	case []any:
		for _, it := range r {
			if d := asMap(it); d != nil {
				out = appendRendering(out, d)
			}
		}
	}
	return out
}

func appendRendering(dst []rendering, d map[string]any) []rendering {
	return append(dst, rendering{
		URL:    firstString(d, "@id", "id"),
		Format: strings.ToLower(firstString(d, "format", "type")),
	})
}

// Preview summarises a manifest for dry-run display.
type Preview struct {
	URL         string
	Provider    string
	ProviderKey string
	ItemID      string
	Label       string
	Attribution string
	PageCount   int
	Renderings  []string
	Metadata    map[string]string
}

// Preview inspects the manifest without downloading anything.
func (m *Manifest) Preview() Preview {
	key, display := DetectProvider(m.URL)
	p := Preview{
		URL:         m.URL,
		Provider:    display,
		ProviderKey: key,
		ItemID:      ExtractItemID(m.URL),
		Label:       m.Label(),
		Attribution: m.Attribution(),
		PageCount:   len(m.ImageServices()),
		Metadata:    m.Metadata(),
	}
	for _, r := range m.renderings() {
		if r.Format != "" {
			p.Renderings = append(p.Renderings, r.Format)
		}
	}
	return p
}

// localizedString flattens an IIIF string value: a plain string, a v3
// language map ({"en": ["..."]}), or a v2 list. Language maps prefer
// English, then "none", then the lexicographically first language.
func localizedString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		if len(t) > 0 {
			return fmt.Sprint(t[0])
		}
	case map[string]any:
		for _, lang := range []string{"en", "none"} {
			if s := firstOfList(t[lang]); s != "" {
				return s
			}
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if s := firstOfList(t[k]); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstOfList(v any) string {
	if s := asSlice(v); len(s) > 0 {
		return fmt.Sprint(s[0])
	}
	return ""
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := asString(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
