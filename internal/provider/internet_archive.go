package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/chrono-downloader/chrono/internal/iiif"
	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/request"
	"github.com/chrono-downloader/chrono/internal/workctx"
)

var (
	iaSearchURL   = "https://archive.org/advancedsearch.php"
	iaMetadataURL = "https://archive.org/metadata/%s"
)

// internetArchive talks to the Advanced Search and metadata APIs and
// pulls artefacts in order of preference: manifest renderings, direct
// files (PDF > EPUB > DjVu), IIIF page images, thumbnails and cover.
type internetArchive struct {
	c *request.Client
}

func newInternetArchive(c *request.Client) *internetArchive { return &internetArchive{c: c} }

func (p *internetArchive) Key() string { return "internet_archive" }

func (p *internetArchive) Search(ctx context.Context, q Query, limit int) ([]SearchResult, error) {
	parts := []string{fmt.Sprintf(`title:(%q)`, q.Title)}
	if q.Creator != "" {
		parts = append(parts, fmt.Sprintf(`creator:(%q)`, q.Creator))
	}
	parts = append(parts, "mediatype:(texts)")
	params := url.Values{
		"q":      {strings.Join(parts, " AND ")},
		"fl[]":   {"identifier,title,creator,mediatype,year"},
		"rows":   {fmt.Sprint(limit)},
		"page":   {"1"},
		"output": {"json"},
	}
	logx.Infof("internet_archive: searching for %q", q.Title)
	body, err := p.c.Get(ctx, iaSearchURL, params, nil)
	if err != nil {
		return nil, err
	}
	data, err := body.Map()
	if body == nil || err != nil {
		return nil, nil
	}
	var results []SearchResult
	for _, doc := range asSlice(asMap(data["response"])["docs"]) {
		item := asMap(doc)
		if item == nil {
			continue
		}
		raw := map[string]any{
			"title":      asString(item["title"]),
			"creator":    strings.Join(asList(item["creator"]), ", "),
			"identifier": asString(item["identifier"]),
			"year":       item["year"],
		}
		results = append(results, FromRaw("Internet Archive", p.Key(), raw))
	}
	return results, nil
}

func (p *internetArchive) Download(ctx context.Context, wc *workctx.Context, res SearchResult, workDir string) error {
	id := ResolveID(res, "identifier", "id")
	if id == "" {
		logx.Warnf("internet_archive: result carries no identifier")
		return ErrNoObjects
	}
	body, err := p.c.Get(ctx, fmt.Sprintf(iaMetadataURL, id), nil, nil)
	if err != nil {
		return err
	}
	meta, err := body.Map()
	if body == nil || err != nil {
		logx.Warnf("internet_archive: no metadata for %s", id)
		return ErrNoObjects
	}
	if _, err := p.c.SaveJSON(wc, meta, workDir, "metadata"); err != nil {
		return err
	}

	prefer := p.c.Config().Download.GetPreferPDFOverImages()
	var got, primary bool

	manifest, err := p.fetchManifest(ctx, id, meta)
	if err != nil {
		return err
	}
	if manifest != nil {
		if _, err := p.c.SaveJSON(wc, manifest.Raw, workDir, "iiif_manifest"); err != nil {
			return err
		}
		renders, err := iiif.DownloadRenderings(ctx, p.c, wc, manifest, workDir)
		if err != nil {
			return err
		}
		if renders > 0 {
			got, primary = true, true
			if prefer {
				logx.Infof("internet_archive: %d rendering(s) for %s; skipping image downloads", renders, id)
				return nil
			}
		}
	}

	okFiles, okPrimary, err := p.downloadDirectFiles(ctx, wc, id, meta, workDir)
	if err != nil {
		return err
	}
	got = got || okFiles
	primary = primary || okPrimary

	okThumb, err := p.downloadThumbnail(ctx, wc, id, meta, workDir)
	if err != nil {
		return err
	}
	got = got || okThumb

	if manifest != nil && !(primary && prefer) {
		pages, err := iiif.DownloadPages(ctx, p.c, wc, manifest, workDir, p.c.Config().MaxPages(p.Key()))
		if err != nil {
			return err
		}
		got = got || pages > 0
	}

	if cover := asString(asMap(meta["misc"])["image"]); cover != "" {
		if !strings.HasPrefix(cover, "http") {
			cover = "https://archive.org" + cover
		}
		path, err := p.c.DownloadFile(ctx, wc, cover, workDir, "cover.jpg")
		if err != nil {
			return err
		}
		got = got || path != ""
	}

	if !got {
		return ErrNoObjects
	}
	return nil
}

// fetchManifest resolves the item's IIIF manifest: the metadata's own
// misc.ia_iiif_url when present, otherwise the known manifest endpoints
// in order.
func (p *internetArchive) fetchManifest(ctx context.Context, id string, meta map[string]any) (*iiif.Manifest, error) {
	candidates := []string{
		fmt.Sprintf("https://iiif.archivelab.org/iiif/%s/manifest.json", id),
		fmt.Sprintf("https://iiif.archive.org/iiif/%s/manifest.json", id),
		fmt.Sprintf("http://iiif.archivelab.org/iiif/%s/manifest.json", id),
	}
	if u := asString(asMap(meta["misc"])["ia_iiif_url"]); u != "" {
		candidates = []string{u}
	}
	for _, u := range candidates {
		m, err := iiif.Fetch(ctx, p.c, u)
		if err != nil {
			return nil, err
		}
		if m != nil {
			return m, nil
		}
	}
	return nil, nil
}

// downloadDirectFiles walks the metadata file list for primary objects,
// preferring PDF over EPUB over DjVu. Only one file per format level is
// taken, and the walk stops at the first success when the config
// prefers documents over page images.
func (p *internetArchive) downloadDirectFiles(ctx context.Context, wc *workctx.Context, id string, meta map[string]any, workDir string) (bool, bool, error) {
	files := asSlice(meta["files"])
	if files == nil {
		return false, false, nil
	}
	prefer := p.c.Config().Download.GetPreferPDFOverImages()
	var got bool
	for _, ext := range []string{".pdf", ".epub", ".djvu"} {
		for _, f := range files {
			info := asMap(f)
			name := strings.TrimSpace(firstString(info, "name", "file"))
			format := strings.ToLower(asString(info["format"]))
			if name == "" {
				continue
			}
			if !strings.HasSuffix(strings.ToLower(name), ext) && !strings.Contains(format, strings.TrimPrefix(ext, ".")) {
				continue
			}
			path, err := p.c.DownloadFile(ctx, wc, iaFileURL(id, name), workDir, "content")
			if err != nil {
				return got, got, err
			}
			if path != "" {
				got = true
				break
			}
		}
		if got && prefer {
			return true, true, nil
		}
	}
	return got, got, nil
}

// downloadThumbnail grabs the item's thumbnail: an explicit Thumbnail
// format entry first, then the *_thumb.jpg/png naming convention.
func (p *internetArchive) downloadThumbnail(ctx context.Context, wc *workctx.Context, id string, meta map[string]any, workDir string) (bool, error) {
	files := asSlice(meta["files"])
	for _, f := range files {
		info := asMap(f)
		name := firstString(info, "name", "file")
		if asString(info["format"]) != "Thumbnail" || name == "" {
			continue
		}
		path, err := p.c.DownloadFile(ctx, wc, iaFileURL(id, name), workDir, "thumbnail.jpg")
		if err != nil || path != "" {
			return path != "", err
		}
	}
	for _, f := range files {
		info := asMap(f)
		name := firstString(info, "name", "file")
		if name == "" || !(strings.HasSuffix(name, "_thumb.jpg") || strings.HasSuffix(name, "_thumb.png")) {
			continue
		}
		path, err := p.c.DownloadFile(ctx, wc, iaFileURL(id, name), workDir, "thumbnail.jpg")
		if err != nil || path != "" {
			return path != "", err
		}
	}
	return false, nil
}

func iaFileURL(id, name string) string {
	u := url.URL{Scheme: "https", Host: "archive.org", Path: "/download/" + id + "/" + name}
	return u.String()
}
