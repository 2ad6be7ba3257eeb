// Package provider holds the digital-library connectors and the
// registry that wires them to a run. Every connector speaks the same
// small interface: search a catalogue, download one chosen item into a
// work directory. Connector failures are absorbed into empty results or
// a false outcome; only context cancellation and quota deferrals travel
// up as errors.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chrono-downloader/chrono/internal/match"
	"github.com/chrono-downloader/chrono/internal/workctx"
)

// ErrNoObjects is returned by Download when a connector finished its
// flow without producing a single artefact. The pipeline treats it as
// the failure that triggers the fallback loop; individual network
// failures along the way were already logged and absorbed.
var ErrNoObjects = errors.New("no objects downloaded")

// Query is one bibliographic search input, a CSV row's worth.
type Query struct {
	Title   string
	Creator string
}

// SearchResult is the provider-neutral candidate shape. Raw keeps the
// connector's original payload so a deferred download can be revived
// later without re-searching.
type SearchResult struct {
	Provider    string         `json:"provider"`
	ProviderKey string         `json:"provider_key"`
	Title       string         `json:"title"`
	Creators    []string       `json:"creators,omitempty"`
	Date        string         `json:"date,omitempty"`
	SourceID    string         `json:"source_id,omitempty"`
	ItemURL     string         `json:"item_url,omitempty"`
	ManifestURL string         `json:"iiif_manifest,omitempty"`
	Raw         map[string]any `json:"raw,omitempty"`
	Scores      *match.Scores  `json:"scores,omitempty"`
}

// Provider is one library connector.
type Provider interface {
	Key() string
	Search(ctx context.Context, q Query, limit int) ([]SearchResult, error)
	Download(ctx context.Context, wc *workctx.Context, res SearchResult, workDir string) error
}

// QuotaDeferredError signals that a provider's daily quota is exhausted
// and the download belongs on the deferred queue, not in the failures.
// It must pass through every absorbing layer untouched.
type QuotaDeferredError struct {
	Provider  string
	ResetTime time.Time
	Msg       string
}

func (e *QuotaDeferredError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: quota exhausted, download deferred", e.Provider)
}

// FromRaw normalizes a connector payload into a SearchResult using the
// shared fallback chains. The payload itself is retained in Raw.
func FromRaw(display, key string, raw map[string]any) SearchResult {
	title := stringAt(raw, "title", "name", "label")
	if title == "" {
		title = "N/A"
	}

	var creators []string
	for _, k := range []string{"creators", "creator", "contributor_names"} {
		if _, ok := raw[k]; ok {
			creators = asList(raw[k])
			break
		}
	}

	var date string
	for _, k := range []string{"date", "year", "issued", "publication_date"} {
		if v, ok := raw[k]; ok && !isEmpty(v) {
			date = fmt.Sprint(v)
			break
		}
	}

	var sourceID string
	for _, k := range []string{"id", "identifier", "ark_id", "source_id", "uid"} {
		if v, ok := raw[k]; ok && !isEmpty(v) {
			sourceID = fmt.Sprint(v)
			break
		}
	}

	return SearchResult{
		Provider:    display,
		ProviderKey: key,
		Title:       title,
		Creators:    creators,
		Date:        date,
		SourceID:    sourceID,
		ItemURL:     stringAt(raw, "item_url", "url", "guid"),
		ManifestURL: stringAt(raw, "iiif_manifest", "manifest"),
		Raw:         raw,
	}
}

// ResolveID returns the result's primary identifier: SourceID when set,
// otherwise the first non-empty raw value among keys (default "id").
func ResolveID(res SearchResult, keys ...string) string {
	if res.SourceID != "" {
		return res.SourceID
	}
	if len(keys) == 0 {
		keys = []string{"id"}
	}
	for _, k := range keys {
		if v, ok := res.Raw[k]; ok && !isEmpty(v) {
			return fmt.Sprint(v)
		}
	}
	return ""
}

// asList coerces a raw value into a string list: lists element-wise, a
// comma-separated string split and trimmed, anything else stringified.
func asList(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		var out []string
		for _, e := range t {
			if e != nil {
				out = append(out, fmt.Sprint(e))
			}
		}
		return out
	case []string:
		return t
	case string:
		if strings.Contains(t, ",") {
			var out []string
			for _, part := range strings.Split(t, ",") {
				if p := strings.TrimSpace(part); p != "" {
					out = append(out, p)
				}
			}
			return out
		}
		return []string{t}
	default:
		return []string{fmt.Sprint(t)}
	}
}

// stringAt returns the first non-empty string value among keys.
func stringAt(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := raw[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case float64:
		return t == 0
	case int:
		return t == 0
	case bool:
		return !t
	}
	return false
}
