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

const dplaBaseURL = "https://api.dp.la/v2/"

// dpla queries the Digital Public Library of America items API (key
// required). Most records only carry metadata plus an object link; when
// that link is a IIIF manifest the full manifest flow runs.
type dpla struct {
	c      *request.Client
	apiKey string
}

func newDPLA(c *request.Client, apiKey string) *dpla { return &dpla{c: c, apiKey: apiKey} }

func (p *dpla) Key() string { return "dpla" }

func (p *dpla) Search(ctx context.Context, q Query, limit int) ([]SearchResult, error) {
	params := url.Values{
		"q":         {q.Title},
		"api_key":   {p.apiKey},
		"page_size": {fmt.Sprint(limit)},
	}
	if q.Creator != "" {
		params.Set("sourceResource.creator", q.Creator)
	}
	logx.Infof("dpla: searching for %q", q.Title)
	body, err := p.c.Get(ctx, dplaBaseURL+"items", params, nil)
	if err != nil {
		return nil, err
	}
	data, err := body.Map()
	if body == nil || err != nil {
		return nil, nil
	}
	var results []SearchResult
	for _, d := range asSlice(data["docs"]) {
		doc := asMap(d)
		if doc == nil {
			continue
		}
		src := asMap(doc["sourceResource"])
		raw := map[string]any{
			"title":         firstOfList(src["title"]),
			"creator":       strings.Join(asList(src["creator"]), ", "),
			"id":            asString(doc["id"]),
			"iiif_manifest": asString(doc["object"]),
		}
		results = append(results, FromRaw("DPLA", p.Key(), raw))
	}
	return results, nil
}

func (p *dpla) Download(ctx context.Context, wc *workctx.Context, res SearchResult, workDir string) error {
	id := ResolveID(res)
	if id == "" {
		logx.Warnf("dpla: result carries no item id")
		return ErrNoObjects
	}
	params := url.Values{"api_key": {p.apiKey}}
	body, err := p.c.Get(ctx, dplaBaseURL+"items/"+id, params, nil)
	if err != nil {
		return err
	}
	details, err := body.Map()
	if body == nil || err != nil {
		logx.Warnf("dpla: no item details for %s", id)
		return ErrNoObjects
	}
	if _, err := p.c.SaveJSON(wc, details, workDir, "metadata"); err != nil {
		return err
	}

	manifestURL := asString(details["object"])
	if manifestURL == "" {
		manifestURL = res.ManifestURL
	}
	if manifestURL != "" && strings.Contains(manifestURL, "manifest") {
		if _, err := iiif.DownloadManifestAndImages(ctx, p.c, wc, manifestURL, workDir, p.c.Config().MaxPages(p.Key()), true); err != nil {
			return err
		}
	}
	return nil
}
