// Package config loads the hierarchical configuration document and exposes
// typed, default-filled views over its sections. The document is read once
// at startup and injected into collaborators; a missing or malformed file
// degrades to defaults so a bare invocation still works.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chrono-downloader/chrono/internal/logx"
)

// EnvConfigPath overrides the config file location when no --config flag
// is given.
const EnvConfigPath = "CHRONO_CONFIG_PATH"

// defaultConfigFile is tried in the working directory as a last resort.
const defaultConfigFile = "config.json"

// Config is the root of the configuration document. Sections absent from
// the file keep their zero values; the accessor methods fill defaults.
type Config struct {
	Logging          LoggingSettings             `json:"logging" yaml:"logging"`
	Providers        map[string]bool             `json:"providers" yaml:"providers"`
	ProviderSettings map[string]ProviderSettings `json:"provider_settings" yaml:"provider_settings"`
	Selection        SelectionSettings           `json:"selection" yaml:"selection"`
	Download         DownloadSettings            `json:"download" yaml:"download"`
	Limits           LimitSettings               `json:"download_limits" yaml:"download_limits"`
	Deferred         DeferredSettings            `json:"deferred" yaml:"deferred"`
	General          GeneralSettings             `json:"general" yaml:"general"`
}

type LoggingSettings struct {
	Level       string `json:"level" yaml:"level"`
	FileEnabled *bool  `json:"file_enabled" yaml:"file_enabled"`
}

// ProviderSettings holds one provider's overrides. Scalar zero values mean
// "use the default"; pointer fields distinguish absent from explicit zero.
type ProviderSettings struct {
	MaxResults    int             `json:"max_results" yaml:"max_results"`
	MaxPages      int             `json:"max_pages" yaml:"max_pages"` // 0 = unlimited
	MinTitleScore *float64        `json:"min_title_score" yaml:"min_title_score"`
	Network       NetworkSettings `json:"network" yaml:"network"`
	Quota         QuotaSettings   `json:"quota" yaml:"quota"`
}

type NetworkSettings struct {
	DelayMS               int               `json:"delay_ms" yaml:"delay_ms"`
	JitterMS              int               `json:"jitter_ms" yaml:"jitter_ms"`
	MaxAttempts           int               `json:"max_attempts" yaml:"max_attempts"`
	BaseBackoffS          float64           `json:"base_backoff_s" yaml:"base_backoff_s"`
	BackoffMultiplier     float64           `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	MaxBackoffS           float64           `json:"max_backoff_s" yaml:"max_backoff_s"`
	TimeoutS              float64           `json:"timeout_s" yaml:"timeout_s"`
	VerifySSL             *bool             `json:"verify_ssl" yaml:"verify_ssl"`
	SSLErrorPolicy        string            `json:"ssl_error_policy" yaml:"ssl_error_policy"` // fail | retry_insecure_once
	DNSRetry              bool              `json:"dns_retry" yaml:"dns_retry"`
	CircuitBreakerEnabled *bool             `json:"circuit_breaker_enabled" yaml:"circuit_breaker_enabled"`
	BreakerThreshold      int               `json:"breaker_failure_threshold" yaml:"breaker_failure_threshold"`
	BreakerCooldownS      float64           `json:"breaker_cooldown_s" yaml:"breaker_cooldown_s"`
	Headers               map[string]string `json:"headers" yaml:"headers"`
}

type QuotaSettings struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	DailyLimit int     `json:"daily_limit" yaml:"daily_limit"` // 0 = unlimited
	ResetHours float64 `json:"reset_hours" yaml:"reset_hours"`
}

type SelectionSettings struct {
	Strategy                 string   `json:"strategy" yaml:"strategy"`
	ProviderHierarchy        []string `json:"provider_hierarchy" yaml:"provider_hierarchy"`
	MinTitleScore            *float64 `json:"min_title_score" yaml:"min_title_score"`
	CreatorWeight            *float64 `json:"creator_weight" yaml:"creator_weight"`
	YearTolerance            int      `json:"year_tolerance" yaml:"year_tolerance"`
	MaxCandidatesPerProvider int      `json:"max_candidates_per_provider" yaml:"max_candidates_per_provider"`
	DownloadStrategy         string   `json:"download_strategy" yaml:"download_strategy"`
	KeepNonSelectedMetadata  *bool    `json:"keep_non_selected_metadata" yaml:"keep_non_selected_metadata"`
	MaxParallelSearches      int      `json:"max_parallel_searches" yaml:"max_parallel_searches"`
}

type DownloadSettings struct {
	PreferPDFOverImages        *bool          `json:"prefer_pdf_over_images" yaml:"prefer_pdf_over_images"`
	DownloadManifestRenderings *bool          `json:"download_manifest_renderings" yaml:"download_manifest_renderings"`
	MaxRenderingsPerManifest   int            `json:"max_renderings_per_manifest" yaml:"max_renderings_per_manifest"`
	RenderingMimeWhitelist     []string       `json:"rendering_mime_whitelist" yaml:"rendering_mime_whitelist"`
	OverwriteExisting          bool           `json:"overwrite_existing" yaml:"overwrite_existing"`
	IncludeMetadata            *bool          `json:"include_metadata" yaml:"include_metadata"`
	ResumeMode                 string         `json:"resume_mode" yaml:"resume_mode"`
	MaxParallelDownloads       int            `json:"max_parallel_downloads" yaml:"max_parallel_downloads"`
	ProviderConcurrency        map[string]int `json:"provider_concurrency" yaml:"provider_concurrency"`
	WorkerTimeoutS             float64        `json:"worker_timeout_s" yaml:"worker_timeout_s"`
	AllowedObjectExtensions    []string       `json:"allowed_object_extensions" yaml:"allowed_object_extensions"`
	SaveDisallowedToMetadata   *bool          `json:"save_disallowed_to_metadata" yaml:"save_disallowed_to_metadata"`
}

type LimitSettings struct {
	Total    TotalLimits   `json:"total" yaml:"total"`
	PerWork  PerWorkLimits `json:"per_work" yaml:"per_work"`
	OnExceed string        `json:"on_exceed" yaml:"on_exceed"` // skip | stop
}

// TotalLimits are run-wide ceilings in gigabytes; zero means unlimited.
type TotalLimits struct {
	ImagesGB   float64 `json:"images_gb" yaml:"images_gb"`
	PDFsGB     float64 `json:"pdfs_gb" yaml:"pdfs_gb"`
	MetadataGB float64 `json:"metadata_gb" yaml:"metadata_gb"`
}

// PerWorkLimits cap a single work's downloads. Metadata is small enough
// that its knob is in megabytes.
type PerWorkLimits struct {
	ImagesGB   float64 `json:"images_gb" yaml:"images_gb"`
	PDFsGB     float64 `json:"pdfs_gb" yaml:"pdfs_gb"`
	MetadataMB float64 `json:"metadata_mb" yaml:"metadata_mb"`
}

type DeferredSettings struct {
	StateFile            string `json:"state_file" yaml:"state_file"`
	BackgroundEnabled    *bool  `json:"background_enabled" yaml:"background_enabled"`
	CheckIntervalMinutes int    `json:"check_interval_minutes" yaml:"check_interval_minutes"`
	MaxRetries           int    `json:"max_retries" yaml:"max_retries"`
}

type GeneralSettings struct {
	InteractiveMode  bool   `json:"interactive_mode" yaml:"interactive_mode"`
	DefaultOutputDir string `json:"default_output_dir" yaml:"default_output_dir"`
	DefaultCSVPath   string `json:"default_csv_path" yaml:"default_csv_path"`
}

// ResolvePath picks the config file location: explicit flag value, then
// the CHRONO_CONFIG_PATH environment variable, then ./config.json.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return defaultConfigFile
}

// Load reads the configuration document at path. A missing file yields
// pure defaults; a malformed file is logged and also yields defaults, so
// a bad config never aborts a run.
func Load(path string) *Config {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logx.Warnf("config: cannot read %s: %v (using defaults)", path, err)
		}
		return cfg
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		logx.Warnf("config: failed to parse %s: %v (using defaults)", path, err)
		return &Config{}
	}
	return cfg
}

// providerAliases maps provider keys to the key actually used in the
// provider_settings section when the canonical key is absent.
var providerAliases = map[string]string{
	"bnf_gallica": "gallica",
	"gallica":     "bnf_gallica",
}

// ProviderEnabled reports whether a provider participates in the run.
// Providers absent from the providers map are enabled.
func (c *Config) ProviderEnabled(key string) bool {
	if c == nil || c.Providers == nil {
		return true
	}
	if v, ok := c.Providers[key]; ok {
		return v
	}
	if alias, ok := providerAliases[key]; ok {
		if v, ok := c.Providers[alias]; ok {
			return v
		}
	}
	return true
}

// Provider returns the settings block for a provider, following the
// gallica/bnf_gallica alias when the canonical key has no entry.
func (c *Config) Provider(key string) ProviderSettings {
	if c == nil || c.ProviderSettings == nil {
		return ProviderSettings{}
	}
	if ps, ok := c.ProviderSettings[key]; ok {
		return ps
	}
	if alias, ok := providerAliases[key]; ok {
		if ps, ok := c.ProviderSettings[alias]; ok {
			return ps
		}
	}
	return ProviderSettings{}
}

// Network returns the fully defaulted network policy for a provider. An
// empty key yields the generic defaults.
func (c *Config) Network(key string) NetworkSettings {
	var n NetworkSettings
	if key != "" {
		n = c.Provider(key).Network
	}
	return n
}

// MinTitleScore resolves the match threshold for one provider: provider
// override first, then the selection default, then 85.
func (c *Config) MinTitleScore(key string) float64 {
	if key != "" {
		if ps := c.Provider(key); ps.MinTitleScore != nil {
			return *ps.MinTitleScore
		}
	}
	if c != nil && c.Selection.MinTitleScore != nil {
		return *c.Selection.MinTitleScore
	}
	return 85
}

// MaxResults returns the per-provider search cap, falling back to the
// selection-wide max_candidates_per_provider.
func (c *Config) MaxResults(key string) int {
	if ps := c.Provider(key); ps.MaxResults > 0 {
		return ps.MaxResults
	}
	return c.Selection.GetMaxCandidatesPerProvider()
}

// MaxPages returns the per-provider page cap; 0 means unlimited.
func (c *Config) MaxPages(key string) int {
	ps := c.Provider(key)
	if ps.MaxPages < 0 {
		return 0
	}
	return ps.MaxPages
}

// ProviderConcurrency returns the per-provider download slot count.
func (c *Config) ProviderConcurrency(key string) int {
	pc := c.Download.ProviderConcurrency
	if n, ok := pc[key]; ok && n > 0 {
		return n
	}
	if n, ok := defaultProviderConcurrency[key]; ok {
		return n
	}
	if n, ok := pc["default"]; ok && n > 0 {
		return n
	}
	return 2
}

// Serial-only providers unless the config says otherwise.
var defaultProviderConcurrency = map[string]int{
	"annas_archive": 1,
	"bnf_gallica":   1,
	"google_books":  1,
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func (l LoggingSettings) GetLevel() string     { return strOr(l.Level, "info") }
func (l LoggingSettings) GetFileEnabled() bool { return boolOr(l.FileEnabled, true) }

func (n NetworkSettings) GetMaxAttempts() int {
	if n.MaxAttempts > 0 {
		return n.MaxAttempts
	}
	return 5
}

func (n NetworkSettings) GetBaseBackoffS() float64 {
	if n.BaseBackoffS > 0 {
		return n.BaseBackoffS
	}
	return 1.5
}

func (n NetworkSettings) GetBackoffMultiplier() float64 {
	if n.BackoffMultiplier > 0 {
		return n.BackoffMultiplier
	}
	return 1.5
}

func (n NetworkSettings) GetMaxBackoffS() float64 {
	if n.MaxBackoffS > 0 {
		return n.MaxBackoffS
	}
	return 60
}

// Timeout returns the per-request timeout, falling back to the caller's
// default when the config leaves timeout_s unset.
func (n NetworkSettings) Timeout(def time.Duration) time.Duration {
	if n.TimeoutS > 0 {
		return time.Duration(n.TimeoutS * float64(time.Second))
	}
	return def
}

func (n NetworkSettings) GetVerifySSL() bool { return boolOr(n.VerifySSL, true) }

// GetSSLErrorPolicy returns "retry_insecure_once" when configured, else
// "fail".
func (n NetworkSettings) GetSSLErrorPolicy() string {
	if strings.EqualFold(strings.TrimSpace(n.SSLErrorPolicy), "retry_insecure_once") {
		return "retry_insecure_once"
	}
	return "fail"
}

func (n NetworkSettings) GetCircuitBreakerEnabled() bool {
	return boolOr(n.CircuitBreakerEnabled, true)
}

func (n NetworkSettings) GetBreakerThreshold() int {
	if n.BreakerThreshold > 0 {
		return n.BreakerThreshold
	}
	return 5
}

func (n NetworkSettings) GetBreakerCooldownS() float64 {
	if n.BreakerCooldownS > 0 {
		return n.BreakerCooldownS
	}
	return 60
}

func (q QuotaSettings) GetResetHours() float64 {
	if q.ResetHours > 0 {
		return q.ResetHours
	}
	return 24
}

const (
	StrategyCollectAndSelect   = "collect_and_select"
	StrategySequentialFirstHit = "sequential_first_hit"

	DownloadSelectedOnly         = "selected_only"
	DownloadSelectedPlusMetadata = "selected_plus_metadata"
	DownloadAll                  = "all"

	ResumeSkipCompleted    = "skip_completed"
	ResumeReprocessAll     = "reprocess_all"
	ResumeSkipIfHasObjects = "skip_if_has_objects"
)

// GetStrategy normalises the search strategy value; hyphenated spellings
// are accepted.
func (s SelectionSettings) GetStrategy() string {
	v := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s.Strategy)), "-", "_")
	if v == StrategySequentialFirstHit {
		return v
	}
	return StrategyCollectAndSelect
}

func (s SelectionSettings) GetDownloadStrategy() string {
	v := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s.DownloadStrategy)), "-", "_")
	switch v {
	case DownloadAll, DownloadSelectedPlusMetadata:
		return v
	}
	return DownloadSelectedOnly
}

func (s SelectionSettings) GetCreatorWeight() float64 {
	if s.CreatorWeight != nil {
		return *s.CreatorWeight
	}
	return 0.2
}

func (s SelectionSettings) GetYearTolerance() int {
	if s.YearTolerance > 0 {
		return s.YearTolerance
	}
	return 2
}

func (s SelectionSettings) GetMaxCandidatesPerProvider() int {
	if s.MaxCandidatesPerProvider > 0 {
		return s.MaxCandidatesPerProvider
	}
	return 5
}

func (s SelectionSettings) GetKeepNonSelectedMetadata() bool {
	return boolOr(s.KeepNonSelectedMetadata, true)
}

func (s SelectionSettings) GetMaxParallelSearches() int {
	if s.MaxParallelSearches > 0 {
		return s.MaxParallelSearches
	}
	return 1
}

func (d DownloadSettings) GetPreferPDFOverImages() bool { return boolOr(d.PreferPDFOverImages, true) }

func (d DownloadSettings) GetDownloadManifestRenderings() bool {
	return boolOr(d.DownloadManifestRenderings, true)
}

func (d DownloadSettings) GetMaxRenderingsPerManifest() int {
	if d.MaxRenderingsPerManifest > 0 {
		return d.MaxRenderingsPerManifest
	}
	return 1
}

func (d DownloadSettings) GetRenderingMimeWhitelist() []string {
	if len(d.RenderingMimeWhitelist) > 0 {
		return d.RenderingMimeWhitelist
	}
	return []string{"application/pdf", "application/epub+zip"}
}

func (d DownloadSettings) GetIncludeMetadata() bool { return boolOr(d.IncludeMetadata, true) }

func (d DownloadSettings) GetResumeMode() string {
	switch d.ResumeMode {
	case ResumeReprocessAll, ResumeSkipIfHasObjects:
		return d.ResumeMode
	}
	return ResumeSkipCompleted
}

// GetMaxParallelDownloads returns the façade's worker count; 1 means the
// sequential path with no scheduler pool.
func (d DownloadSettings) GetMaxParallelDownloads() int {
	if d.MaxParallelDownloads > 0 {
		return d.MaxParallelDownloads
	}
	return 1
}

func (d DownloadSettings) GetWorkerTimeout() float64 {
	if d.WorkerTimeoutS > 0 {
		return d.WorkerTimeoutS
	}
	return 600
}

// GetAllowedObjectExtensions returns the extension whitelist for the
// objects/ directory. Empty means no whitelist: every download lands in
// objects/.
func (d DownloadSettings) GetAllowedObjectExtensions() []string {
	return d.AllowedObjectExtensions
}

// GetSaveDisallowedToMetadata reports whether downloads outside the
// whitelist are diverted to metadata/ instead of being skipped.
func (d DownloadSettings) GetSaveDisallowedToMetadata() bool {
	return boolOr(d.SaveDisallowedToMetadata, true)
}

// GetOnExceed returns the budget breach policy.
func (l LimitSettings) GetOnExceed() string {
	if l.OnExceed == "stop" {
		return "stop"
	}
	return "skip"
}

func (d DeferredSettings) GetStateFile() string {
	return strOr(d.StateFile, ".downloader_state.json")
}

func (d DeferredSettings) GetBackgroundEnabled() bool { return boolOr(d.BackgroundEnabled, true) }

func (d DeferredSettings) GetCheckIntervalMinutes() int {
	if d.CheckIntervalMinutes > 0 {
		return d.CheckIntervalMinutes
	}
	return 15
}

func (d DeferredSettings) GetMaxRetries() int {
	if d.MaxRetries > 0 {
		return d.MaxRetries
	}
	return 5
}

func (g GeneralSettings) GetDefaultOutputDir() string {
	return strOr(g.DefaultOutputDir, "./downloads")
}

func strOr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// APIKey reads a provider credential from the environment.
func APIKey(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}
