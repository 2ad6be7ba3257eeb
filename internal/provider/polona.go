package provider

import (
	"context"
	"fmt"
	"net/url"

	"github.com/chrono-downloader/chrono/internal/iiif"
	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/request"
	"github.com/chrono-downloader/chrono/internal/workctx"
)

const (
	polonaSearchURL   = "https://polona.pl/api/search"
	polonaDetailURL   = "https://polona.pl/api/items/%s"
	polonaManifestURL = "https://polona.pl/iiif/item/%s/manifest.json"
)

// polona talks to the Polish National Library's Polona API; items are
// addressed by uid and served over IIIF.
type polona struct {
	c *request.Client
}

func newPolona(c *request.Client) *polona { return &polona{c: c} }

func (p *polona) Key() string { return "polona" }

func (p *polona) Search(ctx context.Context, q Query, limit int) ([]SearchResult, error) {
	query := q.Title
	if q.Creator != "" {
		query += " " + q.Creator
	}
	params := url.Values{
		"query":  {query},
		"format": {"json"},
		"limit":  {fmt.Sprint(limit)},
	}
	logx.Infof("polona: searching for %q", q.Title)
	body, err := p.c.Get(ctx, polonaSearchURL, params, nil)
	if err != nil {
		return nil, err
	}
	data, err := body.Map()
	if body == nil || err != nil {
		return nil, nil
	}
	var results []SearchResult
	for _, it := range asSlice(data["items"]) {
		item := asMap(it)
		if item == nil {
			continue
		}
		raw := map[string]any{
			"title":   firstOfList(item["title"]),
			"creator": firstOfList(item["creator"]),
			"id":      asString(item["uid"]),
		}
		results = append(results, FromRaw("Polona", p.Key(), raw))
	}
	return results, nil
}

func (p *polona) Download(ctx context.Context, wc *workctx.Context, res SearchResult, workDir string) error {
	id := ResolveID(res, "uid", "id")
	if id == "" {
		logx.Warnf("polona: result carries no uid")
		return ErrNoObjects
	}

	body, err := p.c.Get(ctx, fmt.Sprintf(polonaDetailURL, id), nil, nil)
	if err != nil {
		return err
	}
	if details, derr := body.Map(); body != nil && derr == nil {
		if _, err := p.c.SaveJSON(wc, details, workDir, "metadata"); err != nil {
			return err
		}
	}

	got, err := iiif.DownloadManifestAndImages(ctx, p.c, wc,
		fmt.Sprintf(polonaManifestURL, id), workDir, p.c.Config().MaxPages(p.Key()), true)
	if err != nil {
		return err
	}
	if !got {
		return ErrNoObjects
	}
	return nil
}
