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

const wellcomeWorksURL = "https://api.wellcomecollection.org/catalogue/v2/works"

// wellcome searches the Wellcome Collection catalogue with include=items
// and keeps only works that expose IIIF Image locations; downloads pull
// full-size images straight from those services.
type wellcome struct {
	c *request.Client
}

func newWellcome(c *request.Client) *wellcome { return &wellcome{c: c} }

func (p *wellcome) Key() string { return "wellcome" }

func (p *wellcome) Search(ctx context.Context, q Query, limit int) ([]SearchResult, error) {
	query := q.Title
	if q.Creator != "" {
		query += " " + q.Creator
	}
	// Over-fetch: many catalogue hits have no image locations at all.
	pageSize := limit * 5
	if pageSize < 25 {
		pageSize = 25
	}
	params := url.Values{
		"query":    {query},
		"include":  {"items"},
		"pageSize": {fmt.Sprint(pageSize)},
	}
	logx.Infof("wellcome: searching for %q", q.Title)
	body, err := p.c.Get(ctx, wellcomeWorksURL, params, nil)
	if err != nil {
		return nil, err
	}
	data, err := body.Map()
	if body == nil || err != nil {
		return nil, nil
	}
	var results []SearchResult
	for _, w := range asSlice(data["results"]) {
		work := asMap(w)
		services := wellcomeImageServices(work)
		if len(services) == 0 {
			continue
		}
		title := asString(work["title"])
		if title == "" {
			title = q.Title
		}
		raw := map[string]any{
			"title":          title,
			"id":             asString(work["id"]),
			"image_services": toAnySlice(services),
			"thumbnail":      asString(asMap(work["thumbnail"])["url"]),
		}
		results = append(results, FromRaw("Wellcome Collection", p.Key(), raw))
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// wellcomeImageServices collects IIIF Image API service bases from a
// work document: items[].locations[] entries of type iiif-image, whose
// URL points at an info.json.
func wellcomeImageServices(work map[string]any) []string {
	var services []string
	for _, it := range asSlice(work["items"]) {
		for _, l := range asSlice(asMap(it)["locations"]) {
			loc := asMap(l)
			if asString(asMap(loc["locationType"])["id"]) != "iiif-image" {
				continue
			}
			u := asString(loc["url"])
			if strings.HasSuffix(u, "/info.json") {
				services = append(services, strings.TrimSuffix(u, "/info.json"))
			}
		}
	}
	return services
}

func (p *wellcome) Download(ctx context.Context, wc *workctx.Context, res SearchResult, workDir string) error {
	id := ResolveID(res)
	services := asList(res.Raw["image_services"])

	// Deferred-queue revivals may arrive without the service list.
	if len(services) == 0 && id != "" {
		body, err := p.c.Get(ctx, wellcomeWorksURL+"/"+id, url.Values{"include": {"items"}}, nil)
		if err != nil {
			return err
		}
		if work, werr := body.Map(); body != nil && werr == nil {
			services = wellcomeImageServices(work)
		}
	}
	if len(services) == 0 {
		logx.Infof("wellcome: no IIIF image services for work %s", id)
		return ErrNoObjects
	}

	count, err := iiif.DownloadServices(ctx, p.c, wc, services, workDir, p.c.Config().MaxPages(p.Key()))
	if err != nil {
		return err
	}
	got := count > 0

	thumb := asString(res.Raw["thumbnail"])
	if thumb == "" && id != "" {
		body, err := p.c.Get(ctx, wellcomeWorksURL+"/"+id, nil, nil)
		if err != nil {
			return err
		}
		if work, werr := body.Map(); body != nil && werr == nil {
			thumb = asString(asMap(work["thumbnail"])["url"])
		}
	}
	if thumb != "" {
		path, err := p.c.DownloadFile(ctx, wc, thumb, workDir, "thumbnail.jpg")
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

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
