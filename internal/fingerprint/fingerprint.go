// Package fingerprint derives the stable request fingerprint described in
// spec.md §3: normalized URL, extractor mode, a small configuration digest,
// and an optional tenant identifier. Two requests with the same fingerprint
// must share cached results, so every step here is deterministic.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"github.com/riptide/rgec/internal/types"
)

// Fingerprint is a value object: copy it freely, compare it with ==.
type Fingerprint struct {
	hash string
}

// String returns the stable hex-encoded identifier.
func (f Fingerprint) String() string { return f.hash }

// IsZero reports whether the fingerprint was never computed.
func (f Fingerprint) IsZero() bool { return f.hash == "" }

// defaultPortsByScheme mirrors what a browser treats as "no port specified".
var defaultPortsByScheme = map[string]string{
	"http":  "80",
	"https": "443",
}

// normalizeURL lower-cases scheme+host, strips default ports and fragments,
// and sorts the query string, per spec.md §3.
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port != "" && defaultPortsByScheme[scheme] == port {
		port = ""
	}

	hostport := host
	if port != "" {
		hostport = host + ":" + port
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	query := u.Query()
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var qs strings.Builder
	for i, k := range keys {
		values := query[k]
		sort.Strings(values)
		for j, v := range values {
			if i > 0 || j > 0 {
				qs.WriteByte('&')
			}
			qs.WriteString(k)
			qs.WriteByte('=')
			qs.WriteString(v)
		}
	}

	normalized := scheme + "://" + hostport + path
	if qs.Len() > 0 {
		normalized += "?" + qs.String()
	}
	return normalized, nil
}

// Compute derives the fingerprint for a URL + the options that affect the
// produced Artifact. Fields that only affect delivery (timeouts, cache
// bypass) are deliberately excluded so that equivalent requests share an
// entry.
func Compute(rawURL string, opts types.ExtractOptions) (Fingerprint, error) {
	if rawURL == "" {
		return Fingerprint{}, types.ErrURLRequired
	}
	normalized, err := normalizeURL(rawURL)
	if err != nil {
		return Fingerprint{}, &types.PoolError{Operation: "fingerprint", Message: "invalid url: " + err.Error(), Err: types.ErrInvalidURL}
	}

	mode := opts.Mode
	if mode == "" {
		mode = types.ModeArticle
	}

	h := sha256.New()
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	h.Write([]byte(mode))
	h.Write([]byte{0})
	h.Write([]byte(opts.StealthPreset))
	h.Write([]byte{0})
	h.Write([]byte(opts.ConfigDigest))
	h.Write([]byte{0})
	h.Write([]byte(opts.TenantID))
	h.Write([]byte{0})

	// Headers affect what the upstream server returns, so two requests
	// differing only by header must not collide on the same cache entry.
	// Sorted for determinism since map iteration order isn't stable.
	if len(opts.Headers) > 0 {
		keys := make([]string, 0, len(opts.Headers))
		for k := range opts.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte(k))
			h.Write([]byte{0})
			h.Write([]byte(opts.Headers[k]))
			h.Write([]byte{0})
		}
	}

	return Fingerprint{hash: hex.EncodeToString(h.Sum(nil))}, nil
}

// RegistrableDomain returns the host used for per-domain state (rate
// limiting, circuit breakers, the engine-selector domain cache). It is a
// pragmatic reduction (last two labels), not a public-suffix-list lookup;
// callers that need exact eTLD+1 semantics should normalize upstream.
func RegistrableDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}
