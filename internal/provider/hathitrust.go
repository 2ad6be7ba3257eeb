package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/request"
	"github.com/chrono-downloader/chrono/internal/workctx"
)

var (
	hathiSearchURL = "https://catalog.hathitrust.org/Search/Home"
	hathiBibURL    = "https://catalog.hathitrust.org/api/volumes/brief/json/"
)

// hathiTrust searches the public catalogue pages and fetches brief
// bibliographic records. Page images sit behind the gated Data API, so
// the connector is metadata-only.
type hathiTrust struct {
	c *request.Client
}

func newHathiTrust(c *request.Client) *hathiTrust { return &hathiTrust{c: c} }

func (h *hathiTrust) Key() string { return "hathitrust" }

func (h *hathiTrust) Search(ctx context.Context, q Query, limit int) ([]SearchResult, error) {
	params := url.Values{}
	params.Set("lookfor", q.Title)
	params.Set("searchtype", "title")
	params.Set("ft", "ft")

	body, err := h.c.Get(ctx, hathiSearchURL, params, nil)
	if err != nil || body == nil {
		return nil, err
	}

	doc := parseHTML(body.Text())
	if doc == nil {
		return nil, nil
	}

	var links []*html.Node
	for _, a := range findAll(doc, "a") {
		if hasClass(a, "title") {
			links = append(links, a)
		}
	}
	if len(links) > limit {
		links = links[:limit]
	}

	var out []SearchResult
	for _, a := range links {
		href := attrVal(a, "href")
		if href == "" || !strings.Contains(href, "/Record/") {
			continue
		}
		recordID := strings.TrimSpace(href[strings.Index(href, "/Record/")+len("/Record/"):])
		creator := q.Creator
		if creator == "" {
			creator = "N/A"
		}
		raw := map[string]any{
			"title":   nodeText(a),
			"creator": creator,
			"id":      recordID,
		}
		out = append(out, FromRaw("HathiTrust", h.Key(), raw))
	}
	return out, nil
}

func (h *hathiTrust) Download(ctx context.Context, wc *workctx.Context, res SearchResult, workDir string) error {
	recordID := ResolveID(res, "id")
	if recordID == "" {
		logx.Warnf("hathitrust: result carries no record id")
		return ErrNoObjects
	}

	body, err := h.c.Get(ctx, fmt.Sprintf("%s%s.json", hathiBibURL, url.PathEscape(recordID)), nil, nil)
	if err != nil {
		return err
	}
	if body == nil {
		logx.Warnf("hathitrust: brief record lookup failed for %s", recordID)
		return ErrNoObjects
	}
	record, err := body.Map()
	if err != nil {
		logx.Warnf("hathitrust: brief record for %s is not JSON", recordID)
		return ErrNoObjects
	}

	// The brief record is the deliverable; page images would need a
	// signed Data API request.
	if _, err := h.c.SaveJSON(wc, record, workDir, "metadata"); err != nil {
		return err
	}
	return nil
}
