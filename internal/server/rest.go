package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MrWong99/glyphoxa-kws/internal/detect"
	"github.com/MrWong99/glyphoxa-kws/internal/keyword"
	"github.com/MrWong99/glyphoxa-kws/internal/resilience"
	"github.com/MrWong99/glyphoxa-kws/internal/session"
	"github.com/MrWong99/glyphoxa-kws/pkg/provider/acoustic"
)

// errBadRequest marks a request body that could not be decoded.
var errBadRequest = errors.New("invalid request body")

// errorBody is the JSON body of every error response.
type errorBody struct {
	Status  string `json:"status"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// classify maps err to an HTTP status and error kind.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, keyword.ErrUnknownKeyword):
		return http.StatusNotFound, session.KindValidation
	case errors.Is(err, keyword.ErrDuplicateKeyword):
		return http.StatusConflict, session.KindValidation
	case errors.Is(err, errBadRequest),
		errors.Is(err, keyword.ErrValidation),
		errors.Is(err, detect.ErrInvalidConfig):
		return http.StatusBadRequest, session.KindValidation
	case errors.Is(err, session.ErrModelState):
		return http.StatusServiceUnavailable, session.KindModelState
	case errors.Is(err, acoustic.ErrTransient),
		errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, resilience.ErrAllFailed):
		return http.StatusServiceUnavailable, session.KindTransientProcessing
	default:
		return http.StatusInternalServerError, session.KindInternal
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "kind", kind, "err", err)
	}
	writeJSON(w, status, errorBody{Status: "error", Kind: kind, Message: err.Error()})
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "err", err)
	}
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// pronunciations accepts either one string or a list of strings.
type pronunciations []string

func (p *pronunciations) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*p = pronunciations{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("ipa_string must be a string or a list of strings")
	}
	*p = many
	return nil
}

type addKeywordRequest struct {
	Keyword string         `json:"keyword"`
	IPA     pronunciations `json:"ipa_string"`
}

type addKeywordResponse struct {
	Status   string   `json:"status"`
	Message  string   `json:"message"`
	Keyword  string   `json:"keyword"`
	IPA      []string `json:"ipa"`
	Warnings []string `json:"warnings,omitempty"`
}

type messageResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type configResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Config  detect.View `json:"config"`
}

// listKeywords handles GET /keywords.
func (s *Server) listKeywords(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

// addKeyword handles POST /keywords.
func (s *Server) addKeyword(w http.ResponseWriter, r *http.Request) {
	var req addKeywordRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	kw, warnings, err := s.registry.Add(r.Context(), req.Keyword, req.IPA)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, addKeywordResponse{
		Status:   "success",
		Message:  "Added keyword: " + kw.Name,
		Keyword:  kw.Name,
		IPA:      kw.Pronunciations,
		Warnings: warnings,
	})
}

// removeKeyword handles DELETE /keywords/{keyword}.
func (s *Server) removeKeyword(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("keyword")
	if err := s.registry.Remove(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Status: "success", Message: "Removed keyword: " + name})
}

// getConfig handles GET /config.
func (s *Server) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Config().View())
}

// updateConfig handles PUT /config.
func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	var p detect.Patch
	if err := decode(w, r, &p); err != nil {
		writeError(w, err)
		return
	}
	cfg, err := s.manager.UpdateConfig(p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, configResponse{
		Status:  "success",
		Message: "Configuration updated",
		Config:  cfg.View(),
	})
}

// getStats handles GET /stats.
func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Stats().View())
}
