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

const (
	mdzSearchURL   = "https://api.digitale-sammlungen.de/solr/mdzsearch/select"
	mdzManifestURL = "https://api.digitale-sammlungen.de/iiif/presentation/v2/%s/manifest"
)

// mdz queries the Münchener DigitalisierungsZentrum Solr index and
// downloads through its IIIF Presentation API.
type mdz struct {
	c *request.Client
}

func newMDZ(c *request.Client) *mdz { return &mdz{c: c} }

func (p *mdz) Key() string { return "mdz" }

func (p *mdz) Search(ctx context.Context, q Query, limit int) ([]SearchResult, error) {
	query := fmt.Sprintf("title:%q", q.Title)
	if q.Creator != "" {
		query += fmt.Sprintf(" AND creator:%q", q.Creator)
	}
	params := url.Values{
		"q":    {query},
		"rows": {fmt.Sprint(limit)},
		"wt":   {"json"},
	}
	logx.Infof("mdz: searching for %q", q.Title)
	body, err := p.c.Get(ctx, mdzSearchURL, params, nil)
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
			"title":   firstOfList(item["title"]),
			"creator": strings.Join(asList(item["creator"]), ", "),
			"id":      asString(item["id"]),
		}
		results = append(results, FromRaw("MDZ", p.Key(), raw))
	}
	return results, nil
}

func (p *mdz) Download(ctx context.Context, wc *workctx.Context, res SearchResult, workDir string) error {
	id := ResolveID(res)
	if id == "" {
		logx.Warnf("mdz: result carries no object id")
		return ErrNoObjects
	}
	got, err := iiif.DownloadManifestAndImages(ctx, p.c, wc,
		fmt.Sprintf(mdzManifestURL, id), workDir, p.c.Config().MaxPages(p.Key()), true)
	if err != nil {
		return err
	}
	if !got {
		return ErrNoObjects
	}
	return nil
}
