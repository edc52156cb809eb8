package types

import "time"

// Status values for the demonstration HTTP API (spec.md §6.1).
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Engine is one of the three extraction strategies from spec.md §3,
// ordered by increasing cost and capability.
type Engine string

const (
	EngineRaw      Engine = "raw"
	EngineWasm     Engine = "wasm"
	EngineHeadless Engine = "headless"
)

// Mode is the extractor mode requested for a URL.
type Mode string

const (
	ModeArticle  Mode = "article"
	ModeFull     Mode = "full"
	ModeMetadata Mode = "metadata"
	ModeCustom   Mode = "custom"
)

// StealthPreset controls headless-only anti-detection behavior.
type StealthPreset string

const (
	StealthNone   StealthPreset = "none"
	StealthLow    StealthPreset = "low"
	StealthMedium StealthPreset = "medium"
	StealthHigh   StealthPreset = "high"
)

// ExtractOptions is the full set of options recognized by Extract, per
// spec.md §6.
type ExtractOptions struct {
	Engine          Engine // force an engine; overrides the selector
	AllowDowngrade  bool   // permit the selector to fall back to a cheaper engine
	Mode            Mode
	StealthPreset   StealthPreset
	SessionID       string
	TimeoutMs       int
	TTLOverride     time.Duration
	TenantID        string
	BypassCache     bool
	ConfigDigest    string // caller-supplied chunking/strategy digest folded into the fingerprint
	Headers         map[string]string // extra headers to send with the upstream request
}

// Artifact is the immutable extracted document, per spec.md §3. All fields
// are optional except URL and Text.
type Artifact struct {
	URL             string
	Title           string
	Byline          string
	PublishedAt     *time.Time
	Markdown        string
	Text            string
	Links           []Link
	Media           []Media
	Language        string
	ReadingTimeSecs int
	WordCount       int
	QualityScore    int // 0-100
	SiteName        string
	Description     string

	// Debug carries the supplemental fields original_source exposes for
	// headless solves (screenshot, response headers) — see SPEC_FULL.md §3.1.
	Debug *ArtifactDebug
}

// ArtifactDebug carries optional diagnostic data a Headless extraction may
// produce. Never required for cache equality comparisons.
type ArtifactDebug struct {
	Screenshot      []byte
	ResponseHeaders map[string]string
}

// Link is an outbound link discovered during extraction.
type Link struct {
	URL  string `json:"url"`
	Text string `json:"text,omitempty"`
}

// Media is an image/video/audio resource discovered during extraction.
type Media struct {
	URL  string `json:"url"`
	Kind string `json:"kind"` // "image" | "video" | "audio"
	Alt  string `json:"alt,omitempty"`
}

// Cookie mirrors a browser cookie, used by the Session Store and the CDP
// broker's cookie-jar round-trip.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  float64
	HTTPOnly bool
	Secure   bool
	SameSite string
}

// Proxy carries per-request proxy configuration for the Headless engine.
type Proxy struct {
	URL      string
	Username string
	Password string
}
