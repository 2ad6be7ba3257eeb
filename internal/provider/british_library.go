package provider

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/chrono-downloader/chrono/internal/iiif"
	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/request"
	"github.com/chrono-downloader/chrono/internal/workctx"
)

var (
	blSRUURL      = "https://sru.bl.uk/SRU"
	blManifestURL = "https://api.bl.uk/metadata/iiif/ark:/81055/%s/manifest.json"
	blViewerURL   = "https://access.bl.uk/item/viewer/ark:/81055/%s"
)

var blManifestLinkRe = regexp.MustCompile(`https?://[^"'<>]+/manifest\.json`)

// britishLibrary searches the BL SRU endpoint and downloads through the
// BL IIIF API. Catalogue ARKs and viewer ARKs differ by a version
// suffix, so the connector falls back to scraping the public viewer
// page when the direct manifest URL misses.
type britishLibrary struct {
	c *request.Client
}

func newBritishLibrary(c *request.Client) *britishLibrary { return &britishLibrary{c: c} }

func (b *britishLibrary) Key() string { return "british_library" }

func (b *britishLibrary) Search(ctx context.Context, q Query, limit int) ([]SearchResult, error) {
	query := fmt.Sprintf(`title all "%s"`, escapeSRULiteral(q.Title))
	if q.Creator != "" {
		query += fmt.Sprintf(` and creator all "%s"`, escapeSRULiteral(q.Creator))
	}
	params := url.Values{
		"version":        {"1.2"},
		"operation":      {"searchRetrieve"},
		"query":          {query},
		"maximumRecords": {fmt.Sprint(limit)},
		"recordSchema":   {"dc"},
	}
	logx.Infof("british_library: searching for %q", q.Title)
	body, err := b.c.Get(ctx, blSRUURL, params, map[string]string{"Accept": "application/xml,text/xml"})
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}
	var resp sruRecords
	if err := xml.Unmarshal(body.Bytes(), &resp); err != nil {
		logx.Errorf("british_library: cannot parse SRU response: %v", err)
		return nil, nil
	}
	var results []SearchResult
	for _, rec := range resp.Records {
		dc := rec.Data.DC
		ark := ""
		for _, ident := range dc.Identifiers {
			if m := blArkRe.FindStringSubmatch(ident); m != nil {
				ark = m[1]
				break
			}
		}
		// Records with no ARK are still listed; they just cannot be
		// downloaded.
		raw := map[string]any{
			"title":      firstOr(dc.Titles, "N/A"),
			"creator":    firstOr(dc.Creators, "N/A"),
			"date":       firstOr(dc.Dates, ""),
			"identifier": ark,
		}
		results = append(results, FromRaw("British Library", b.Key(), raw))
	}
	return results, nil
}

var blArkRe = regexp.MustCompile(`ark:/81055/(.*)`)

func (b *britishLibrary) Download(ctx context.Context, wc *workctx.Context, res SearchResult, workDir string) error {
	identifier := ResolveID(res, "identifier")
	if identifier == "" {
		logx.Warnf("british_library: result carries no ARK identifier")
		return ErrNoObjects
	}

	// Viewer ARKs trail a version suffix (".0x000001") that the manifest
	// path does not carry.
	idForManifest, _, _ := strings.Cut(identifier, ".")

	m, err := iiif.Fetch(ctx, b.c, fmt.Sprintf(blManifestURL, idForManifest))
	if err != nil {
		return err
	}
	if m == nil {
		m, err = b.manifestFromViewer(ctx, identifier)
		if err != nil {
			return err
		}
	}
	if m == nil {
		logx.Warnf("british_library: no manifest reachable for %s", identifier)
		return ErrNoObjects
	}

	if _, err := b.c.SaveJSON(wc, m.Raw, workDir, "manifest"); err != nil {
		return err
	}

	renders, err := iiif.DownloadRenderings(ctx, b.c, wc, m, workDir)
	if err != nil {
		return err
	}
	if renders > 0 && b.c.Config().Download.GetPreferPDFOverImages() {
		logx.Infof("british_library: %d rendering(s) fetched; skipping page images", renders)
		return nil
	}

	bases := m.ImageServices()
	if len(bases) == 0 {
		// Manifest-only items exist; the saved manifest is the record.
		logx.Infof("british_library: manifest for %s lists no image services", identifier)
		return nil
	}
	pages, err := iiif.DownloadServices(ctx, b.c, wc, bases, workDir, b.c.Config().MaxPages(b.Key()))
	if err != nil {
		return err
	}
	if renders == 0 && pages == 0 {
		return ErrNoObjects
	}
	return nil
}

// manifestFromViewer scrapes the public item viewer for a manifest
// link when the derived manifest URL 404s.
func (b *britishLibrary) manifestFromViewer(ctx context.Context, identifier string) (*iiif.Manifest, error) {
	viewerURL := fmt.Sprintf(blViewerURL, identifier)
	logx.Infof("british_library: discovering manifest via %s", viewerURL)
	body, err := b.c.Get(ctx, viewerURL, nil, nil)
	if err != nil || body == nil {
		return nil, err
	}
	found := blManifestLinkRe.FindString(body.Text())
	if found == "" {
		return nil, nil
	}
	logx.Infof("british_library: viewer page points at %s", found)
	return iiif.Fetch(ctx, b.c, found)
}
