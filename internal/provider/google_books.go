package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/request"
	"github.com/chrono-downloader/chrono/internal/workctx"
)

const googleBooksURL = "https://www.googleapis.com/books/v1/volumes"

// googleBooks queries the Books volumes API (key required) and downloads
// whatever access the volume grants: PDF/EPUB links for public-domain
// works, otherwise the cover thumbnail.
type googleBooks struct {
	c      *request.Client
	apiKey string
}

func newGoogleBooks(c *request.Client, apiKey string) *googleBooks {
	return &googleBooks{c: c, apiKey: apiKey}
}

func (p *googleBooks) Key() string { return "google_books" }

func (p *googleBooks) Search(ctx context.Context, q Query, limit int) ([]SearchResult, error) {
	query := q.Title
	if q.Creator != "" {
		query += "+inauthor:" + q.Creator
	}
	params := url.Values{
		"q":          {query},
		"maxResults": {fmt.Sprint(limit)},
		"key":        {p.apiKey},
	}
	logx.Infof("google_books: searching for %q", q.Title)
	body, err := p.c.Get(ctx, googleBooksURL, params, nil)
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
		info := asMap(item["volumeInfo"])
		raw := map[string]any{
			"title":   asString(info["title"]),
			"creator": strings.Join(asList(info["authors"]), ", "),
			"id":      asString(item["id"]),
		}
		results = append(results, FromRaw("Google Books", p.Key(), raw))
	}
	return results, nil
}

func (p *googleBooks) Download(ctx context.Context, wc *workctx.Context, res SearchResult, workDir string) error {
	id := ResolveID(res)
	if id == "" {
		logx.Warnf("google_books: result carries no volume id")
		return ErrNoObjects
	}
	params := url.Values{"key": {p.apiKey}}
	body, err := p.c.Get(ctx, googleBooksURL+"/"+id, params, nil)
	if err != nil {
		return err
	}
	volume, err := body.Map()
	if body == nil || err != nil {
		logx.Warnf("google_books: no volume data for %s", id)
		return ErrNoObjects
	}
	metaPath, err := p.c.SaveJSON(wc, volume, workDir, "metadata")
	if err != nil {
		return err
	}

	// Most volumes grant no direct downloads; the saved volume record
	// alone already counts as an obtained object.
	got := metaPath != ""
	access := asMap(volume["accessInfo"])
	for _, format := range []string{"pdf", "epub"} {
		link := asString(asMap(access[format])["downloadLink"])
		if link == "" {
			continue
		}
		path, err := p.c.DownloadFile(ctx, wc, link, workDir, "content."+format)
		if err != nil {
			return err
		}
		got = got || path != ""
	}

	if thumb := asString(asMap(asMap(volume["volumeInfo"])["imageLinks"])["thumbnail"]); thumb != "" {
		path, err := p.c.DownloadFile(ctx, wc, thumb, workDir, "thumb.jpg")
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
