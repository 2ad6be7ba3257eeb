package request

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"github.com/vfaronov/httpheader"

	"github.com/chrono-downloader/chrono/internal/budget"
	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/naming"
	"github.com/chrono-downloader/chrono/internal/workctx"
)

// ObjectsDir and MetadataDir are the two artefact subdirectories of a
// work directory.
const (
	ObjectsDir  = "objects"
	MetadataDir = "metadata"
)

const downloadChunkSize = 32 * 1024

// contentTypeExts maps response content types (substring match) to file
// extensions, in probe order.
var contentTypeExts = []struct {
	ct  string
	ext string
}{
	{"application/pdf", ".pdf"},
	{"application/epub+zip", ".epub"},
	{"image/jpeg", ".jpg"},
	{"image/jpg", ".jpg"},
	{"image/png", ".png"},
	{"image/jp2", ".jp2"},
	{"text/plain", ".txt"},
	{"text/html", ".html"},
	{"application/json", ".json"},
}

// typeKeyImageExts are the extensions numbered under the shared "image"
// sequence within a work.
var typeKeyImageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".jp2": true,
	".tif": true, ".tiff": true, ".gif": true, ".bmp": true, ".webp": true,
}

// annasLoginMarkers identify Anna's Archive login and error pages saved
// as HTML.
var annasLoginMarkers = []string{
	"<title>log in / register",
	"<title>login",
	"member login",
	"please log in",
	"__darkreader__",
}

// DownloadFile fetches one artefact into the work directory, naming it
// from the work context's sequence counters and routing it to objects/
// or metadata/ by extension. Absorbed failures return ("", nil); only
// context cancellation is an error. The returned path is empty when
// nothing was written (budget, validation, or whitelist skip).
func (c *Client) DownloadFile(ctx context.Context, wc *workctx.Context, rawurl, workDir, hint string) (string, error) {
	if c.budget != nil && c.budget.Exhausted() {
		logx.Warnf("download: byte budget exhausted; skipping %s", rawurl)
		return "", nil
	}

	key := guardKey(ProviderForURL(rawurl))
	n := c.cfg.Network(key)

	resp, err := c.open(ctx, key, n, rawurl, nil, nil)
	if err != nil || resp == nil {
		return "", err
	}
	defer resp.Body.Close()

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(contentType, "text/html") {
		if urlSuggestsDocument(rawurl) {
			logx.Warnf("download: URL suggests PDF/EPUB but server returned HTML; rejecting %s", rawurl)
			return "", nil
		}
		if key == "annas_archive" && looksLikeAnnasErrorPage(resp) {
			logx.Warnf("download: Anna's Archive HTML response sized like a login/error page; rejecting %s", rawurl)
			return "", nil
		}
	}

	// Peek the head of the body for magic sniffing; the reader is
	// rejoined so nothing is lost.
	head := make([]byte, 512)
	hn, rerr := io.ReadFull(resp.Body, head)
	if rerr != nil && rerr != io.ErrUnexpectedEOF && rerr != io.EOF {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		logx.Warnf("download: reading %s: %v", rawurl, rerr)
		return "", nil
	}
	head = head[:hn]
	body := io.MultiReader(bytes.NewReader(head), resp.Body)

	ext := resolveExtension(rawurl, resp, hint, head)

	stem := wc.NameStem
	if stem == "" {
		stem = naming.ToSnakeCase(hint)
	}
	if stem == "" {
		stem = "object"
	}
	slug := naming.ProviderSlug(wc.ProviderKey)

	typeKey := strings.TrimPrefix(ext, ".")
	if typeKeyImageExts[ext] {
		typeKey = "image"
	}
	if typeKey == "" {
		typeKey = "bin"
	}

	subdir := ObjectsDir
	if allowed := c.cfg.Download.GetAllowedObjectExtensions(); len(allowed) > 0 && !extAllowed(allowed, ext) {
		if !c.cfg.Download.GetSaveDisallowedToMetadata() {
			logx.Infof("download: extension %s not in allowed list; skipping %s", ext, rawurl)
			return "", nil
		}
		logx.Infof("download: extension %s not in allowed list; saving to metadata folder", ext)
		subdir = MetadataDir
	}

	seq := wc.NextSeq(stem, slug, typeKey)
	var base string
	switch {
	case typeKey == "image":
		base = fmt.Sprintf("%s_%s_image_%03d", stem, slug, seq)
	case seq <= 1:
		base = fmt.Sprintf("%s_%s", stem, slug)
	default:
		base = fmt.Sprintf("%s_%s_%d", stem, slug, seq)
	}

	targetDir := filepath.Join(workDir, subdir)
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		logx.Errorf("download: creating %s: %v", targetDir, err)
		return "", nil
	}
	target := filepath.Join(targetDir, naming.SanitizeFilename(base+ext))

	if !c.cfg.Download.OverwriteExisting {
		if _, err := os.Stat(target); err == nil {
			logx.Infof("download: file already exists, skipping: %s", target)
			return target, nil
		}
	}

	class := budget.ClassForExt(ext)
	if cl := resp.ContentLength; cl > 0 && c.budget != nil && !c.budget.Allow(class, wc.WorkID, cl) {
		logx.Warnf("download: byte budget would be exceeded by %s (%d bytes); skipping", rawurl, cl)
		return "", nil
	}

	written, err := c.streamToFile(ctx, body, target, class, wc.WorkID)
	if err != nil {
		return "", err
	}
	if written < 0 {
		return "", nil // budget truncation or write failure, already logged
	}

	if removed := validateArtefact(target, ext, key); removed {
		if c.budget != nil {
			c.budget.Release(class, wc.WorkID, written)
		}
		return "", nil
	}

	logx.Infof("download: %s -> %s (%d bytes)", rawurl, target, written)
	return target, nil
}

// streamToFile copies body to target in chunks, each gated by the byte
// budget. Returns bytes written, or -1 with the partial file removed and
// its bytes released when the copy cannot complete.
func (c *Client) streamToFile(ctx context.Context, body io.Reader, target string, class budget.Class, workID string) (int64, error) {
	f, err := os.Create(target)
	if err != nil {
		logx.Errorf("download: creating %s: %v", target, err)
		return -1, nil
	}

	var written int64
	buf := make([]byte, downloadChunkSize)
	abort := func() {
		f.Close()
		os.Remove(target)
		if c.budget != nil && written > 0 {
			c.budget.Release(class, workID, written)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			abort()
			return -1, err
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			if c.budget != nil && !c.budget.AddBytes(class, workID, int64(n)) {
				logx.Errorf("download: byte budget exceeded while writing %s; truncating and removing", target)
				abort()
				return -1, nil
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				logx.Errorf("download: writing %s: %v", target, werr)
				written += int64(n) // budget already recorded this chunk
				abort()
				return -1, nil
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				abort()
				return -1, ctx.Err()
			}
			logx.Errorf("download: reading into %s: %v", target, rerr)
			abort()
			return -1, nil
		}
	}

	if err := f.Close(); err != nil {
		logx.Errorf("download: closing %s: %v", target, err)
		os.Remove(target)
		if c.budget != nil && written > 0 {
			c.budget.Release(class, workID, written)
		}
		return -1, nil
	}
	return written, nil
}

// resolveExtension picks the artefact extension: URL path suffix, then
// content type, then Content-Disposition filename, then the hint's
// suffix, then a magic sniff of the head bytes, then ".bin".
func resolveExtension(rawurl string, resp *http.Response, hint string, head []byte) string {
	if u, err := url.Parse(rawurl); err == nil {
		if ext := filepath.Ext(u.Path); ext != "" && len(ext) <= 6 {
			return strings.ToLower(ext)
		}
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	for _, m := range contentTypeExts {
		if strings.Contains(contentType, m.ct) {
			return m.ext
		}
	}

	if _, name, _ := httpheader.ContentDisposition(resp.Header); name != "" {
		if ext := filepath.Ext(name); ext != "" {
			return strings.ToLower(ext)
		}
	}

	if ext := filepath.Ext(hint); ext != "" {
		return strings.ToLower(ext)
	}

	if kind, _ := filetype.Match(head); kind != filetype.Unknown && kind.Extension != "" {
		return "." + kind.Extension
	}

	return ".bin"
}

// urlSuggestsDocument reports whether the URL claims to serve a PDF or
// EPUB, in which case an HTML response is an error page.
func urlSuggestsDocument(rawurl string) bool {
	lower := strings.ToLower(rawurl)
	if strings.Contains(lower, "output=pdf") || strings.Contains(lower, "output=epub") ||
		strings.Contains(lower, "download") {
		return true
	}
	if u, err := url.Parse(rawurl); err == nil {
		p := strings.ToLower(u.Path)
		return strings.Contains(p, ".pdf") || strings.Contains(p, ".epub")
	}
	return false
}

// looksLikeAnnasErrorPage flags Anna's Archive HTML responses whose
// Content-Length sits in the ~180 KB band their login/error pages use.
func looksLikeAnnasErrorPage(resp *http.Response) bool {
	cl := resp.ContentLength
	return cl > 170000 && cl < 185000
}

func extAllowed(allowed []string, ext string) bool {
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimSpace(a), ext) {
			return true
		}
	}
	return false
}

// validateArtefact checks the written file against its claimed type and
// removes masquerading HTML. Returns true when the file was removed.
func validateArtefact(path, ext, providerKey string) bool {
	switch ext {
	case ".pdf", ".epub":
		head, err := readHead(path, 512)
		if err != nil {
			logx.Warnf("download: validating %s: %v", path, err)
			return false
		}
		magic := []byte("%PDF-")
		if ext == ".epub" {
			magic = []byte{'P', 'K', 0x03, 0x04}
		}
		if !bytes.HasPrefix(head, magic) && looksLikeHTML(head) {
			logx.Warnf("download: file claims to be %s but contains HTML; removing %s", strings.TrimPrefix(ext, "."), path)
			os.Remove(path)
			return true
		}
	case ".html":
		if providerKey != "annas_archive" {
			return false
		}
		head, err := readHead(path, 2048)
		if err != nil {
			logx.Warnf("download: validating %s: %v", path, err)
			return false
		}
		lower := strings.ToLower(string(head))
		for _, marker := range annasLoginMarkers {
			if strings.Contains(lower, marker) {
				logx.Warnf("download: HTML file appears to be an Anna's Archive login/error page; removing %s", path)
				os.Remove(path)
				return true
			}
		}
	}
	return false
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:read], nil
}

func looksLikeHTML(head []byte) bool {
	return bytes.Contains(head, []byte("<!DOCTYPE")) ||
		bytes.Contains(bytes.ToLower(head), []byte("<html"))
}

// SaveJSON writes v as an indented JSON document into the work's
// metadata/ directory, numbered per (stem, provider) from the second
// file on. Honours download.include_metadata; a skip returns ("", nil).
func (c *Client) SaveJSON(wc *workctx.Context, v any, workDir, name string) (string, error) {
	if !c.cfg.Download.GetIncludeMetadata() {
		logx.Debugf("download: include_metadata=false; skipping metadata save for %s", name)
		return "", nil
	}

	stem := wc.NameStem
	if stem == "" {
		stem = naming.ToSnakeCase(name)
	}
	if stem == "" {
		stem = "item"
	}
	slug := naming.ProviderSlug(wc.ProviderKey)

	metaDir := filepath.Join(workDir, MetadataDir)
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return "", fmt.Errorf("request: creating %s: %w", metaDir, err)
	}

	idx := wc.NextSeq(stem, slug, "metadata")
	base := fmt.Sprintf("%s_%s", stem, slug)
	if idx > 1 {
		base = fmt.Sprintf("%s_%s_%d", stem, slug, idx)
	}
	target := filepath.Join(metaDir, naming.SanitizeFilename(base)+".json")

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("request: encoding %s: %w", name, err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", fmt.Errorf("request: writing %s: %w", target, err)
	}

	if c.budget != nil {
		c.budget.Record(budget.ClassMetadata, wc.WorkID, int64(len(data)))
	}
	logx.Infof("download: saved JSON %s", target)
	return target, nil
}
