package iiif

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/request"
	"github.com/chrono-downloader/chrono/internal/workctx"
)

// infoCache memoises info.json documents per service base for the life
// of the process. Retried candidates hit the same service repeatedly.
var infoCache sync.Map // base URL → map[string]any

// CandidateURLs lists the Image API URLs worth trying for one page,
// most capable first. With an info.json in hand the list grows
// size-aware variants and PNG alternatives when the server advertises
// them.
func CandidateURLs(base string, info map[string]any) []string {
	b := strings.TrimRight(base, "/")
	candidates := []string{
		b + "/full/full/0/default.jpg",
		b + "/full/max/0/default.jpg",
		b + "/full/pct:100/0/default.jpg",
		b + "/full/full/0/native.jpg",
		b + "/full/full/0/color.jpg",
	}

	if len(info) > 0 {
		maxW := 0
		for _, s := range asSlice(info["sizes"]) {
			if w := asInt(asMap(s)["width"]); w > maxW {
				maxW = w
			}
		}
		// Explicit maxWidth wins over the advertised sizes.
		if mw := asInt(info["maxWidth"]); mw > maxW {
			maxW = mw
		}
		if maxW > 0 {
			candidates = append([]string{
				fmt.Sprintf("%s/full/%d,/0/default.jpg", b, maxW),
				fmt.Sprintf("%s/full/%d,/0/native.jpg", b, maxW),
			}, candidates...)
		} else {
			candidates = append(candidates,
				b+"/full/2000,/0/default.jpg",
				b+"/full/1000,/0/default.jpg",
			)
		}
		if advertisesPNG(info) {
			var pngs []string
			for _, u := range candidates {
				if strings.HasSuffix(u, ".jpg") {
					pngs = append(pngs, strings.TrimSuffix(u, ".jpg")+".png")
				}
			}
			candidates = append(pngs, candidates...)
		}
	}

	return dedupe(candidates)
}

func advertisesPNG(info map[string]any) bool {
	for _, f := range asSlice(info["formats"]) {
		if strings.EqualFold(fmt.Sprint(f), "png") {
			return true
		}
	}
	return false
}

func asInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		n, _ := strconv.Atoi(t)
		return n
	}
	return 0
}

// fetchInfo retrieves {base}/info.json, caching successful decodes.
// The error is non-nil only when the context ended.
func fetchInfo(ctx context.Context, c *request.Client, base string) (map[string]any, error) {
	b := strings.TrimRight(base, "/")
	if v, ok := infoCache.Load(b); ok {
		return v.(map[string]any), nil
	}
	body, err := c.Get(ctx, b+"/info.json", nil, nil)
	if err != nil || body == nil {
		return nil, err
	}
	info, err := body.Map()
	if err != nil {
		return nil, nil
	}
	infoCache.Store(b, info)
	return info, nil
}

// downloadPage tries the default candidates for one service, then
// refetches with info.json-derived sizes before giving up.
func downloadPage(ctx context.Context, c *request.Client, wc *workctx.Context, base, workDir string) (bool, error) {
	tried := make(map[string]bool)
	for _, u := range CandidateURLs(base, nil) {
		tried[u] = true
		path, err := c.DownloadFile(ctx, wc, u, workDir, "page")
		if err != nil {
			return false, err
		}
		if path != "" {
			return true, nil
		}
	}

	info, err := fetchInfo(ctx, c, base)
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}
	for _, u := range CandidateURLs(base, info) {
		if tried[u] {
			continue
		}
		path, err := c.DownloadFile(ctx, wc, u, workDir, "page")
		if err != nil {
			return false, err
		}
		if path != "" {
			return true, nil
		}
	}
	return false, nil
}

// DownloadPages walks the manifest's image services and fetches one
// image per canvas. maxPages 0 means every page. A page whose variants
// all fail is logged and skipped; an exhausted byte budget stops the
// loop. Returns the number of pages fetched.
func DownloadPages(ctx context.Context, c *request.Client, wc *workctx.Context, m *Manifest, workDir string, maxPages int) (int, error) {
	bases := m.ImageServices()
	if len(bases) == 0 {
		return downloadDirect(ctx, c, wc, m, workDir, maxPages)
	}
	return DownloadServices(ctx, c, wc, bases, workDir, maxPages)
}

// DownloadServices runs the page loop over explicit Image API service
// bases, for connectors that discover services outside a manifest.
func DownloadServices(ctx context.Context, c *request.Client, wc *workctx.Context, bases []string, workDir string, maxPages int) (int, error) {
	total := len(bases)
	if maxPages > 0 && maxPages < total {
		bases = bases[:maxPages]
	}
	logx.Infof("iiif: downloading %d/%d page images for %s", len(bases), total, wc.WorkID)

	count := 0
	for i, base := range bases {
		if b := c.Budget(); b != nil && b.Exhausted() {
			logx.Warnf("iiif: byte budget exhausted; stopping after %d/%d pages", i, len(bases))
			break
		}
		ok, err := downloadPage(ctx, c, wc, base, workDir)
		if err != nil {
			return count, err
		}
		if ok {
			count++
			continue
		}
		if b := c.Budget(); b != nil && b.Exhausted() {
			logx.Warnf("iiif: byte budget hit mid-page; stopping at %d/%d", i+1, len(bases))
			break
		}
		logx.Warnf("iiif: no image variant worked for service %s", base)
	}
	return count, nil
}

// downloadDirect handles simplified manifests that embed image URLs
// without an Image API service.
func downloadDirect(ctx context.Context, c *request.Client, wc *workctx.Context, m *Manifest, workDir string, maxPages int) (int, error) {
	urls := m.DirectImageURLs()
	if len(urls) == 0 {
		logx.Infof("iiif: no image services or direct images in manifest %s", m.URL)
		return 0, nil
	}
	if maxPages > 0 && maxPages < len(urls) {
		urls = urls[:maxPages]
	}
	count := 0
	for i, u := range urls {
		if b := c.Budget(); b != nil && b.Exhausted() {
			logx.Warnf("iiif: byte budget exhausted; stopping after %d/%d direct images", i, len(urls))
			break
		}
		path, err := c.DownloadFile(ctx, wc, u, workDir, "page")
		if err != nil {
			return count, err
		}
		if path != "" {
			count++
		}
	}
	return count, nil
}

// DownloadRenderings fetches manifest-level rendering entries, the
// alternate formats like a whole-work PDF. The mime whitelist and the
// per-manifest cap come from the download config. Returns the number
// fetched.
func DownloadRenderings(ctx context.Context, c *request.Client, wc *workctx.Context, m *Manifest, workDir string) (int, error) {
	dl := c.Config().Download
	if !dl.GetDownloadManifestRenderings() {
		return 0, nil
	}

	var whitelist []string
	for _, w := range dl.GetRenderingMimeWhitelist() {
		if w != "" {
			whitelist = append(whitelist, strings.ToLower(w))
		}
	}
	limit := dl.GetMaxRenderingsPerManifest()

	seen := make(map[string]bool)
	var selected []rendering
	for _, r := range m.renderings() {
		if r.URL == "" || seen[r.URL] {
			continue
		}
		if len(whitelist) > 0 && !formatAllowed(r.Format, whitelist) {
			// Servers that omit the format still get PDFs through on
			// the URL suffix.
			lower := strings.ToLower(r.URL)
			if !strings.HasSuffix(lower, ".pdf") && !strings.HasSuffix(lower, ".epub") {
				continue
			}
		}
		seen[r.URL] = true
		selected = append(selected, r)
		if len(selected) >= limit {
			break
		}
	}

	count := 0
	for i, r := range selected {
		path, err := c.DownloadFile(ctx, wc, r.URL, workDir, fmt.Sprintf("rendering_%02d", i+1))
		if err != nil {
			return count, err
		}
		if path != "" {
			count++
		}
	}
	return count, nil
}

func formatAllowed(format string, whitelist []string) bool {
	for _, w := range whitelist {
		if strings.Contains(format, w) {
			return true
		}
	}
	return false
}

// DownloadManifestAndImages runs the standard IIIF flow: fetch and save
// the manifest, try its renderings, then fall back to page images. When
// a rendering lands, skipImagesIfRendering honours the prefer-PDF
// setting and skips the page loop.
func DownloadManifestAndImages(ctx context.Context, c *request.Client, wc *workctx.Context, manifestURL, workDir string, maxPages int, skipImagesIfRendering bool) (bool, error) {
	logx.Infof("iiif: fetching manifest %s", manifestURL)
	m, err := Fetch(ctx, c, manifestURL)
	if err != nil {
		return false, err
	}
	if m == nil {
		logx.Warnf("iiif: could not fetch manifest %s", manifestURL)
		return false, nil
	}
	if _, err := c.SaveJSON(wc, m.Raw, workDir, "manifest"); err != nil {
		return false, err
	}

	got := false
	renders, err := DownloadRenderings(ctx, c, wc, m, workDir)
	if err != nil {
		return renders > 0, err
	}
	if renders > 0 {
		got = true
		if skipImagesIfRendering && c.Config().Download.GetPreferPDFOverImages() {
			logx.Infof("iiif: %d rendering(s) fetched; skipping page images", renders)
			return true, nil
		}
	}

	pages, err := DownloadPages(ctx, c, wc, m, workDir, maxPages)
	return got || pages > 0, err
}

// PDFFirstThenImages tries direct document URLs before falling back to
// the manifest's page images, the usual shape for providers that offer
// both.
func PDFFirstThenImages(ctx context.Context, c *request.Client, wc *workctx.Context, docURLs []string, manifestURL, workDir string, maxPages int) (bool, error) {
	got := false
	for _, u := range docURLs {
		if u == "" {
			continue
		}
		path, err := c.DownloadFile(ctx, wc, u, workDir, "content")
		if err != nil {
			return got, err
		}
		if path != "" {
			got = true
			if c.Config().Download.GetPreferPDFOverImages() {
				logx.Infof("iiif: direct document fetched; skipping page images")
				return true, nil
			}
		}
	}

	if manifestURL == "" {
		return got, nil
	}
	ok, err := DownloadManifestAndImages(ctx, c, wc, manifestURL, workDir, maxPages, false)
	return got || ok, err
}
