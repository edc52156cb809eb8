// Package handlers provides the demonstration HTTP API for the Core facade
// (spec.md §6.1, out of core scope but needed to drive it end to end).
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/riptide/rgec/internal/core"
	"github.com/riptide/rgec/internal/security"
	"github.com/riptide/rgec/internal/types"
	"github.com/riptide/rgec/pkg/version"
)

func closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		log.Debug().Err(err).Msg("error closing request body")
	}
}

// Handler serves the Extract/ResourceStatus/Invalidate endpoints over the
// Core facade.
type Handler struct {
	core *core.Core
}

// New creates a Handler around an already-initialized Core.
func New(c *core.Core) *Handler {
	return &Handler{core: c}
}

// ServeHTTP implements http.Handler and performs path-based routing. CORS
// and security headers are applied by middleware, not here.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	w.Header().Set("Content-Type", "application/json")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	switch r.URL.Path {
	case "/health":
		h.handleHealth(w, startTime)
	case "/extract":
		if r.Method != http.MethodPost {
			h.writeErrorWithStatus(w, http.StatusMethodNotAllowed, types.CodeInvalidInput, "method not allowed", startTime)
			return
		}
		h.handleExtract(w, r, startTime)
	case "/resource-status":
		if r.Method != http.MethodGet {
			h.writeErrorWithStatus(w, http.StatusMethodNotAllowed, types.CodeInvalidInput, "method not allowed", startTime)
			return
		}
		h.handleResourceStatus(w, startTime)
	case "/invalidate":
		if r.Method != http.MethodPost {
			h.writeErrorWithStatus(w, http.StatusMethodNotAllowed, types.CodeInvalidInput, "method not allowed", startTime)
			return
		}
		h.handleInvalidate(w, r, startTime)
	default:
		h.writeErrorWithStatus(w, http.StatusNotFound, types.CodeNotFound, "not found", startTime)
	}
}

// maxBodySize bounds request bodies to prevent memory exhaustion.
const maxBodySize = 1 << 20 // 1MB

func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer closeBody(r.Body)

	buf := getBuffer()
	defer putBuffer(buf)

	if _, err := io.Copy(buf, r.Body); err != nil {
		log.Warn().Err(err).Msg("failed to read request body")
		h.writeErrorWithStatus(w, http.StatusBadRequest, types.CodeInvalidInput, "failed to read request", time.Now())
		return false
	}
	if buf.Len() == 0 {
		h.writeErrorWithStatus(w, http.StatusBadRequest, types.CodeInvalidInput, "empty request body", time.Now())
		return false
	}
	if err := json.Unmarshal(buf.Bytes(), dst); err != nil {
		log.Warn().Err(err).Msg("failed to decode request")
		h.writeErrorWithStatus(w, http.StatusBadRequest, types.CodeInvalidInput, "invalid JSON request", time.Now())
		return false
	}
	return true
}

// extractRequest mirrors types.ExtractOptions on the wire, with a required URL.
type extractRequest struct {
	URL            string `json:"url"`
	Engine         string `json:"engine,omitempty"`
	AllowDowngrade bool   `json:"allowDowngrade,omitempty"`
	Mode           string `json:"mode,omitempty"`
	StealthPreset  string `json:"stealthPreset,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	TimeoutMs      int    `json:"timeoutMs,omitempty"`
	TTLOverrideMs  int    `json:"ttlOverrideMs,omitempty"`
	TenantID       string `json:"tenantId,omitempty"`
	BypassCache    bool              `json:"bypassCache,omitempty"`
	ConfigDigest   string            `json:"configDigest,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

func (req *extractRequest) toOptions() types.ExtractOptions {
	opts := types.ExtractOptions{
		Engine:         types.Engine(req.Engine),
		AllowDowngrade: req.AllowDowngrade,
		Mode:           types.Mode(req.Mode),
		StealthPreset:  types.StealthPreset(req.StealthPreset),
		SessionID:      req.SessionID,
		TimeoutMs:      req.TimeoutMs,
		TenantID:       req.TenantID,
		BypassCache:    req.BypassCache,
		ConfigDigest:   req.ConfigDigest,
		Headers:        req.Headers,
	}
	if req.TTLOverrideMs > 0 {
		opts.TTLOverride = time.Duration(req.TTLOverrideMs) * time.Millisecond
	}
	if opts.Mode == "" {
		opts.Mode = types.ModeArticle
	}
	return opts
}

type artifactResponse struct {
	URL             string        `json:"url"`
	Title           string        `json:"title,omitempty"`
	Byline          string        `json:"byline,omitempty"`
	Markdown        string        `json:"markdown,omitempty"`
	Text            string        `json:"text,omitempty"`
	Links           []types.Link  `json:"links,omitempty"`
	Media           []types.Media `json:"media,omitempty"`
	Language        string        `json:"language,omitempty"`
	ReadingTimeSecs int           `json:"readingTimeSecs,omitempty"`
	WordCount       int           `json:"wordCount,omitempty"`
	QualityScore    int           `json:"qualityScore"`
	SiteName        string        `json:"siteName,omitempty"`
	Description     string        `json:"description,omitempty"`
}

func toArtifactResponse(a *types.Artifact) *artifactResponse {
	if a == nil {
		return nil
	}
	return &artifactResponse{
		URL: a.URL, Title: a.Title, Byline: a.Byline, Markdown: a.Markdown,
		Text: a.Text, Links: a.Links, Media: a.Media, Language: a.Language,
		ReadingTimeSecs: a.ReadingTimeSecs, WordCount: a.WordCount,
		QualityScore: a.QualityScore, SiteName: a.SiteName, Description: a.Description,
	}
}

func (h *Handler) handleExtract(w http.ResponseWriter, r *http.Request, startTime time.Time) {
	var req extractRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	if req.URL == "" {
		h.writeErrorWithStatus(w, http.StatusBadRequest, types.CodeInvalidInput, "url is required", startTime)
		return
	}
	if err := security.ValidateHeaders(req.Headers); err != nil {
		h.writeErrorWithStatus(w, http.StatusBadRequest, types.CodeInvalidInput, fmt.Sprintf("invalid headers: %v", err), startTime)
		return
	}

	log.Info().Str("url", security.RedactURL(req.URL)).Str("mode", req.Mode).Msg("extract request received")

	artifact, err := h.core.Extract(r.Context(), req.URL, req.toOptions())
	if err != nil {
		h.writeExtractionError(w, err, startTime)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, successResponse{
		Status:    types.StatusOK,
		Artifact:  toArtifactResponse(artifact),
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	})
}

func (h *Handler) handleInvalidate(w http.ResponseWriter, r *http.Request, startTime time.Time) {
	var req extractRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}

	var err error
	switch {
	case req.URL != "":
		err = h.core.Invalidate(r.Context(), req.URL, req.toOptions())
	case req.TenantID != "":
		err = h.core.InvalidateTenant(r.Context(), req.TenantID)
	default:
		h.writeErrorWithStatus(w, http.StatusBadRequest, types.CodeInvalidInput, "url or tenantId is required", startTime)
		return
	}
	if err != nil {
		h.writeExtractionError(w, err, startTime)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, successResponse{
		Status:    types.StatusOK,
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	})
}

func (h *Handler) handleResourceStatus(w http.ResponseWriter, startTime time.Time) {
	status := h.core.ResourceStatus()
	h.writeJSONResponse(w, http.StatusOK, resourceStatusResponse{
		Status:         types.StatusOK,
		StartTime:      startTime.UnixMilli(),
		EndTime:        time.Now().UnixMilli(),
		Version:        version.Full(),
		ResourceStatus: status,
	})
}

type healthResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	StartTime int64  `json:"startTimestamp,omitempty"`
	EndTime   int64  `json:"endTimestamp,omitempty"`
	Version   string `json:"version,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, startTime time.Time) {
	h.writeJSONResponse(w, http.StatusOK, healthResponse{
		Status:    types.StatusOK,
		Message:   "ready",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	})
}

type successResponse struct {
	Status    string            `json:"status"`
	Artifact  *artifactResponse `json:"artifact,omitempty"`
	StartTime int64             `json:"startTimestamp"`
	EndTime   int64             `json:"endTimestamp"`
	Version   string            `json:"version"`
}

type resourceStatusResponse struct {
	Status         string              `json:"status"`
	StartTime      int64               `json:"startTimestamp"`
	EndTime        int64               `json:"endTimestamp"`
	Version        string              `json:"version"`
	ResourceStatus core.ResourceStatus `json:"resourceStatus"`
}

type errorResponse struct {
	Status    string     `json:"status"`
	Code      types.Code `json:"code"`
	Message   string     `json:"message"`
	StartTime int64      `json:"startTimestamp"`
	EndTime   int64      `json:"endTimestamp"`
	Version   string     `json:"version"`
}

// codeToHTTPStatus maps the caller-facing error taxonomy onto HTTP status
// codes for the demonstration API, per spec.md §6.1.
func codeToHTTPStatus(code types.Code) int {
	switch code {
	case types.CodeInvalidInput:
		return http.StatusBadRequest
	case types.CodeNotFound:
		return http.StatusNotFound
	case types.CodeRateLimited, types.CodeMemoryPressure, types.CodeResourceExhausted:
		return http.StatusTooManyRequests
	case types.CodeTimeout:
		return http.StatusGatewayTimeout
	case types.CodeCircuitOpen:
		return http.StatusServiceUnavailable
	case types.CodeUpstreamFetch, types.CodeExtractor:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeExtractionError(w http.ResponseWriter, err error, startTime time.Time) {
	var extErr *types.ExtractionError
	if errors.As(err, &extErr) {
		h.writeErrorWithStatus(w, codeToHTTPStatus(extErr.Code), extErr.Code, extErr.Message, startTime)
		return
	}
	h.writeErrorWithStatus(w, http.StatusInternalServerError, types.CodeInternal, err.Error(), startTime)
}

func (h *Handler) writeErrorWithStatus(w http.ResponseWriter, statusCode int, code types.Code, message string, startTime time.Time) {
	h.writeJSONResponse(w, statusCode, errorResponse{
		Status:    types.StatusError,
		Code:      code,
		Message:   message,
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	})
}

// writeJSONResponse buffers JSON before writing to ensure encoding errors are
// caught before headers are sent, preventing partial responses on encoding
// failure.
func (h *Handler) writeJSONResponse(w http.ResponseWriter, statusCode int, resp interface{}) {
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)

	if err := json.NewEncoder(buf).Encode(resp); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		if _, err := w.Write([]byte(`{"status":"error","message":"internal encoding error"}`)); err != nil {
			log.Error().Err(err).Msg("failed to write fallback error response")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}
