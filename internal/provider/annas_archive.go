package provider

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/match"
	"github.com/chrono-downloader/chrono/internal/quota"
	"github.com/chrono-downloader/chrono/internal/request"
	"github.com/chrono-downloader/chrono/internal/workctx"
)

var (
	annasSearchURL       = "https://annas-archive.org/search"
	annasMD5PageURL      = "https://annas-archive.org/md5/%s"
	annasFastDownloadURL = "https://annas-archive.org/dyn/api/fast_download.json"
)

// annasMaxAttempts caps how many scraped links one download tries.
const annasMaxAttempts = 5

var (
	annasMD5Re     = regexp.MustCompile(`^[0-9a-f]{32}$`)
	annasYearRe    = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	annasLineRe    = regexp.MustCompile(`[\n\r]+`)
	annasSepRe     = regexp.MustCompile(`\s*[\|•·;︰：/]+\s*`)
	annasCreatorRe = regexp.MustCompile(`[,;/\|]+`)
	annasScriptRe  = regexp.MustCompile(`https?://[^"\s<>]+(?:\.pdf|\.epub|\.djvu|\.mobi)[^"\s<>]*`)
)

var annasFileExts = []string{".pdf", ".epub", ".djvu", ".mobi", ".azw", ".azw3", ".fb2"}

var annasSkipFragments = []string{
	"account", "login", "register", "donate", "torrents",
	"datasets", "blog", "about", "faq", "#",
}

var annasMirrorHosts = []string{"libgen", "library.lol", "z-lib", "zlibrary", "ipfs"}

// annasArchive scrapes the public search and item pages; md5 hashes are
// the identifiers. Members with an API key get the fast download
// endpoint, which is quota-limited per day; an exhausted quota defers
// the download instead of failing it.
type annasArchive struct {
	c      *request.Client
	apiKey string
	quotas *quota.Manager
}

func newAnnasArchive(c *request.Client, apiKey string, quotas *quota.Manager) *annasArchive {
	return &annasArchive{c: c, apiKey: apiKey, quotas: quotas}
}

func (p *annasArchive) Key() string { return "annas_archive" }

func (p *annasArchive) Search(ctx context.Context, q Query, limit int) ([]SearchResult, error) {
	query := q.Title
	if q.Creator != "" {
		query = q.Title + " " + q.Creator
	}
	params := url.Values{
		"q":       {query},
		"display": {"table"},
		"ext":     {"pdf"},
	}
	logx.Infof("annas_archive: searching for %q", q.Title)
	body, err := p.c.Get(ctx, annasSearchURL, params, nil)
	if err != nil || body == nil {
		return nil, err
	}
	doc := parseHTML(body.Text())
	if doc == nil {
		return nil, nil
	}

	seen := make(map[string]bool)
	var results []SearchResult

	// Table layout: [icons, title, authors, publisher, year, filename].
	rows := findAll(doc, "tr")
	if len(rows) > 1 {
		for _, row := range rows[1:] {
			if len(results) >= limit {
				break
			}
			md5 := rowMD5(row)
			if md5 == "" || seen[md5] {
				continue
			}
			seen[md5] = true

			cells := findAll(row, "td", "th")
			var candidates, creators []string
			if len(cells) > 1 {
				candidates = titleCandidatesFromCell(cells[1])
			}
			if len(cells) > 2 {
				creators = creatorsFromCell(cells[2])
			}
			results = append(results, p.result(q, md5, candidates, creators))
		}
	}

	// Fallback for pages rendered without the table layout: scan every
	// md5 link and scrape titles from the surrounding markup.
	if len(results) == 0 {
		for _, a := range findAll(doc, "a") {
			if len(results) >= limit {
				break
			}
			md5 := md5FromHref(attrVal(a, "href"))
			if md5 == "" || seen[md5] {
				continue
			}
			seen[md5] = true

			snippets := []string{nodeText(a), attrVal(a, "title")}
			if parent := a.Parent; parent != nil {
				snippets = append(snippets, nodeText(parent))
				for _, el := range findAll(parent, "div", "span", "h1", "h2", "h3", "h4", "p") {
					snippets = append(snippets, nodeText(el))
				}
			}
			results = append(results, p.result(q, md5, collectTitleCandidates(snippets), nil))
		}
	}

	logx.Infof("annas_archive: found %d results", len(results))
	return results, nil
}

// rowMD5 extracts the md5 hash from a result row's first item link.
func rowMD5(row *html.Node) string {
	for _, a := range findAll(row, "a") {
		href := attrVal(a, "href")
		if strings.Contains(href, "/md5/") {
			return md5FromHref(href)
		}
	}
	return ""
}

func md5FromHref(href string) string {
	_, after, ok := strings.Cut(href, "/md5/")
	if !ok {
		return ""
	}
	if i := strings.IndexAny(after, "?/"); i >= 0 {
		after = after[:i]
	}
	after = strings.ToLower(after)
	if !annasMD5Re.MatchString(after) {
		return ""
	}
	return after
}

func (p *annasArchive) result(q Query, md5 string, candidates, creators []string) SearchResult {
	best, scores := bestTitleCandidate(q.Title, candidates)
	if best == "" && len(candidates) > 0 {
		best = candidates[0]
	}
	if utf8.RuneCountInString(best) < 3 {
		best = "Book " + md5[:8]
	}
	creator := q.Creator
	if creator == "" {
		creator = "N/A"
	}
	raw := map[string]any{
		"title":            best,
		"creators":         toAnySlice(creators),
		"creator":          creator,
		"md5":              md5,
		"id":               md5,
		"item_url":         fmt.Sprintf(annasMD5PageURL, md5),
		"title_candidates": toAnySlice(candidates),
		"title_scores": map[string]any{
			"token":    scores.token,
			"simple":   scores.simple,
			"combined": scores.combined,
		},
		// Scraped titles are unreliable; keep the raw scores so the
		// selection audit can tell a weak match from a strong one.
		match.ScoresKey: map[string]any{
			"title_token_score":  scores.token,
			"title_simple_score": scores.simple,
		},
	}
	sr := FromRaw("Anna's Archive", p.Key(), raw)
	if len(creators) > 0 {
		sr.Creators = creators
	}
	return sr
}

type titleScores struct {
	token, simple, combined int
}

// bestTitleCandidate picks the candidate closest to the query title,
// scoring each with both ratio methods and keeping the max.
func bestTitleCandidate(queryTitle string, candidates []string) (string, titleScores) {
	var best string
	var scores titleScores
	for _, cand := range candidates {
		token := match.TitleScore(queryTitle, cand, match.MethodTokenSet)
		simple := match.TitleScore(queryTitle, cand, match.MethodSimple)
		combined := token
		if simple > combined {
			combined = simple
		}
		if combined > scores.combined {
			best = cand
			scores = titleScores{token: token, simple: simple, combined: combined}
		}
	}
	return best, scores
}

// titleCandidatesFromCell pulls title strings out of the table's title
// cell: md5 anchor texts first, then the full cell text split on the
// separators the site mixes into one cell.
func titleCandidatesFromCell(cell *html.Node) []string {
	var snippets []string
	for _, a := range findAll(cell, "a") {
		if strings.Contains(attrVal(a, "href"), "/md5/") {
			snippets = append(snippets, nodeText(a))
		}
	}
	fullText := nodeTextSep(cell, "\n")
	if fullText != "" {
		snippets = append(snippets, fullText)
		for _, part := range annasLineRe.Split(fullText, -1) {
			snippets = append(snippets, part)
			snippets = append(snippets, annasSepRe.Split(part, -1)...)
		}
		if strings.Contains(fullText, "|||") {
			snippets = append(snippets, strings.Split(fullText, "|||")...)
		}
	}
	return collectTitleCandidates(snippets)
}

func creatorsFromCell(cell *html.Node) []string {
	rawText := nodeTextSep(cell, ";")
	if rawText == "" {
		return nil
	}
	var creators []string
	seen := make(map[string]bool)
	for _, part := range annasCreatorRe.Split(rawText, -1) {
		candidate := strings.TrimSpace(htmlSpaceRe.ReplaceAllString(part, " "))
		if utf8.RuneCountInString(candidate) < 2 {
			continue
		}
		norm := match.Normalize(candidate)
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		creators = append(creators, candidate)
	}
	return creators
}

// collectTitleCandidates cleans raw text snippets into unique title
// candidates, dropping md5 hashes and download-button labels.
func collectTitleCandidates(texts []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, raw := range texts {
		cleanedRaw := strings.TrimSpace(htmlSpaceRe.ReplaceAllString(raw, " "))
		if cleanedRaw == "" {
			continue
		}
		norm := match.Normalize(cleanedRaw)
		if utf8.RuneCountInString(norm) < 3 {
			continue
		}
		if annasMD5Re.MatchString(norm) {
			continue
		}
		if norm == "download" || norm == "download options" || norm == "download mirror" {
			continue
		}
		if seen[norm] {
			continue
		}
		seen[norm] = true
		if c := cleanTitleCandidate(cleanedRaw); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// cleanTitleCandidate normalizes spacing and trims the concatenated
// edition/year noise the table cells carry.
func cleanTitleCandidate(text string) string {
	cleaned := strings.TrimSpace(htmlSpaceRe.ReplaceAllString(text, " "))
	if cleaned == "" {
		return ""
	}

	// Concatenated cells repeat "Title Year Edition Year"; cut at the
	// second year when it sits past the plausible-title prefix.
	if years := annasYearRe.FindAllStringIndex(cleaned, -1); len(years) >= 2 && years[1][0] > 20 {
		cleaned = strings.TrimSpace(cleaned[:years[1][0]])
	}

	// Drop a trailing parenthesised edition when it is not the only one.
	if strings.Count(cleaned, "(") > 1 && strings.HasSuffix(cleaned, ")") {
		if last := strings.LastIndex(cleaned, "("); last > 20 {
			if potential := strings.TrimSpace(cleaned[:last]); len(potential) > 15 {
				cleaned = potential
			}
		}
	}

	cleaned = strings.TrimRight(cleaned, " -:;|/")

	if r := []rune(cleaned); len(r) > 100 {
		truncated := strings.TrimSpace(string(r[:100]))
		if i := strings.LastIndex(truncated, " "); i > 40 {
			truncated = strings.TrimSpace(truncated[:i])
		}
		cleaned = truncated
	}
	return cleaned
}

func (p *annasArchive) Download(ctx context.Context, wc *workctx.Context, res SearchResult, workDir string) error {
	md5 := ResolveID(res, "md5", "id")
	if md5 == "" {
		logx.Warnf("annas_archive: result carries no md5 hash")
		return ErrNoObjects
	}

	if p.apiKey != "" {
		ok, wait := p.quotas.CanDownload(p.Key())
		if !ok {
			logx.Infof("annas_archive: daily fast download limit reached; deferring (resets in %.1f hours)", wait.Hours())
			return &QuotaDeferredError{
				Provider:  "Anna's Archive",
				ResetTime: p.quotas.NextReset(p.Key()),
				Msg:       fmt.Sprintf("Anna's Archive: Daily quota exhausted. Resets in %.1f hours.", wait.Hours()),
			}
		}
		logx.Infof("annas_archive: using fast download API (member)")
		return p.downloadWithAPI(ctx, wc, md5, workDir)
	}

	logx.Infof("annas_archive: no API key, scraping public download links")
	return p.downloadByScraping(ctx, wc, md5, workDir)
}

func (p *annasArchive) downloadWithAPI(ctx context.Context, wc *workctx.Context, md5, workDir string) error {
	params := url.Values{"md5": {md5}, "key": {p.apiKey}}
	body, err := p.c.Get(ctx, annasFastDownloadURL, params, nil)
	if err != nil {
		return err
	}
	if body == nil {
		logx.Warnf("annas_archive: no response from fast download API")
		return ErrNoObjects
	}
	resp, err := body.Map()
	if err != nil {
		logx.Warnf("annas_archive: fast download API returned a non-JSON payload")
		return ErrNoObjects
	}

	if errMsg := asString(resp["error"]); errMsg != "" {
		logx.Warnf("annas_archive: API error: %s", errMsg)
		lower := strings.ToLower(errMsg)
		switch {
		case strings.Contains(lower, "quota") || strings.Contains(lower, "limit"):
			logx.Errorf("annas_archive: download quota reached, wait for the daily reset")
		case strings.Contains(lower, "invalid key"):
			logx.Errorf("annas_archive: invalid API key, check ANNAS_ARCHIVE_API_KEY")
		case strings.Contains(lower, "invalid md5"):
			logx.Errorf("annas_archive: invalid md5 hash %s", md5)
		}
		return ErrNoObjects
	}

	downloadURL := asString(resp["download_url"])
	if downloadURL == "" {
		// The 204 shape: the request was valid but no fast download was
		// granted. Keep the quota snapshot when the API sent one.
		logx.Infof("annas_archive: no fast download URL available for %s", md5)
		if resp["account_fast_download_info"] != nil {
			if _, err := p.c.SaveJSON(wc, resp, workDir, "api_response"); err != nil {
				return err
			}
		}
		return ErrNoObjects
	}

	if _, err := p.c.SaveJSON(wc, resp, workDir, "api_response"); err != nil {
		return err
	}
	if info := asMap(resp["account_fast_download_info"]); info != nil {
		logx.Infof("annas_archive: fast downloads remaining today: %v", info["remaining"])
	}

	path, err := p.c.DownloadFile(ctx, wc, downloadURL, workDir, "content")
	if err != nil {
		return err
	}
	if path == "" {
		logx.Warnf("annas_archive: fast download URL did not produce a file")
		return ErrNoObjects
	}
	remaining := p.quotas.RecordDownload(p.Key())
	logx.Infof("annas_archive: fast download used, %d remaining today", remaining)
	return nil
}

type annasLink struct {
	url    string
	source string
}

// downloadByScraping fetches the item page and tries its download
// links in priority order: direct file links, the slow-download
// endpoint, then external mirrors.
func (p *annasArchive) downloadByScraping(ctx context.Context, wc *workctx.Context, md5, workDir string) error {
	pageURL := fmt.Sprintf(annasMD5PageURL, md5)
	logx.Infof("annas_archive: fetching item page %s", pageURL)
	body, err := p.c.Get(ctx, pageURL, nil, nil)
	if err != nil {
		return err
	}
	if body == nil {
		logx.Warnf("annas_archive: failed to fetch item page for %s", md5)
		return ErrNoObjects
	}
	doc := parseHTML(body.Text())
	if doc == nil {
		return ErrNoObjects
	}

	meta := map[string]any{"md5": md5, "url": pageURL}
	if t := annasPageTitle(doc); t != "" {
		meta["title"] = t
	}
	if _, err := p.c.SaveJSON(wc, meta, workDir, "metadata"); err != nil {
		return err
	}

	direct, slow, mirrors := annasCategorizeLinks(doc)
	all := append(append(direct, slow...), mirrors...)
	if len(all) == 0 {
		logx.Warnf("annas_archive: no download links found for %s; the item page may need a browser: %s", md5, pageURL)
		return ErrNoObjects
	}
	logx.Infof("annas_archive: found %d direct, %d slow, %d mirror links for %s",
		len(direct), len(slow), len(mirrors), md5)

	for i, l := range all {
		if i >= annasMaxAttempts {
			break
		}
		logx.Infof("annas_archive: attempting download from %s", l.source)
		path, err := p.c.DownloadFile(ctx, wc, l.url, workDir, "content")
		if err != nil {
			return err
		}
		if path != "" {
			logx.Infof("annas_archive: downloaded from %s", l.source)
			return nil
		}
	}
	logx.Warnf("annas_archive: no files could be downloaded for %s; mirrors may require manual access: %s", md5, pageURL)
	return ErrNoObjects
}

func annasPageTitle(doc *html.Node) string {
	if h1 := findFirst(doc, "h1"); h1 != nil {
		return nodeText(h1)
	}
	for _, div := range findAll(doc, "div") {
		if hasClass(div, "text-xl") {
			return nodeText(div)
		}
	}
	return ""
}

// annasCategorizeLinks sorts the page's anchors into direct file
// links, slow-download links, and mirror pages, skipping the member
// and site-navigation links. Script bodies are scanned too, since some
// CDN URLs only appear in inline JavaScript.
func annasCategorizeLinks(doc *html.Node) (direct, slow, mirrors []annasLink) {
	seenDirect := make(map[string]bool)

	for _, a := range findAll(doc, "a") {
		href := strings.TrimSpace(attrVal(a, "href"))
		if href == "" {
			continue
		}
		text := strings.ToLower(nodeText(a))

		if strings.Contains(href, "fast_download") || strings.Contains(text, "member") {
			continue
		}
		if containsAny(strings.ToLower(href), annasSkipFragments) {
			continue
		}

		full := href
		if strings.HasPrefix(href, "/") {
			full = "https://annas-archive.org" + href
		} else if !strings.HasPrefix(href, "http") {
			continue
		}

		urlLower := strings.ToLower(full)
		isDirect := false
		for _, ext := range annasFileExts {
			if strings.HasSuffix(urlLower, ext) || strings.Contains(urlLower, ext+"?") {
				isDirect = true
				break
			}
		}

		switch {
		case strings.Contains(href, "slow_download") || strings.Contains(text, "slow download"):
			slow = append(slow, annasLink{url: full, source: textOr(text, "slow download")})
		case isDirect:
			direct = append(direct, annasLink{url: full, source: textOr(text, "direct file")})
			seenDirect[full] = true
		case containsAny(urlLower, annasMirrorHosts):
			mirrors = append(mirrors, annasLink{url: full, source: textOr(text, "mirror")})
		}
	}

	for _, s := range findAll(doc, "script") {
		for _, m := range annasScriptRe.FindAllString(scriptText(s), -1) {
			u := strings.TrimRight(m, `,"');`)
			if !seenDirect[u] {
				seenDirect[u] = true
				direct = append(direct, annasLink{url: u, source: "script"})
			}
		}
	}
	return direct, slow, mirrors
}

func containsAny(s string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(s, f) {
			return true
		}
	}
	return false
}

func textOr(s, def string) string {
	if s != "" {
		return s
	}
	return def
}
