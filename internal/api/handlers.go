package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/quantfeed/klined/internal/domain"
	"github.com/quantfeed/klined/internal/symbols"
)

const (
	defaultLimit = 500
	maxLimit     = 1500
)

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// parseKlinesRequest validates query parameters into a KlinesRequest.
func parseKlinesRequest(r *http.Request) (KlinesRequest, error) {
	q := r.URL.Query()

	symbol := strings.ToUpper(strings.TrimSpace(q.Get("symbol")))
	if symbol == "" {
		return KlinesRequest{}, fmt.Errorf("symbol is required")
	}
	itv, err := domain.ParseInterval(q.Get("interval"))
	if err != nil {
		return KlinesRequest{}, err
	}

	req := KlinesRequest{Symbol: symbol, Interval: itv, Limit: defaultLimit}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxLimit {
			return KlinesRequest{}, fmt.Errorf("limit must be an integer in 1..%d", maxLimit)
		}
		req.Limit = n
	}
	if v := q.Get("startTime"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return KlinesRequest{}, fmt.Errorf("startTime must be milliseconds")
		}
		req.Start = &ms
	}
	if v := q.Get("endTime"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return KlinesRequest{}, fmt.Errorf("endTime must be milliseconds")
		}
		req.End = &ms
	}
	if v := q.Get("includeCurrent"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return KlinesRequest{}, fmt.Errorf("includeCurrent must be a boolean")
		}
		req.IncludeCurrent = b
	}
	return req, nil
}

func (s *Server) handleKlines(w http.ResponseWriter, r *http.Request) {
	req, err := parseKlinesRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	body, err := s.klines.Handle(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.health.Handle(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// handleRecentBuckets exposes the recent-bucket ring for one
// (symbol, interval) pair.
func (s *Server) handleRecentBuckets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := strings.ToUpper(strings.TrimSpace(q.Get("symbol")))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	itv, err := domain.ParseInterval(q.Get("interval"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	buckets, err := s.ring.GetAll(r.Context(), symbol, itv.String())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ring error")
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

// handleSymbolRefresh forces one pass of symbol discovery.
func (s *Server) handleSymbolRefresh(w http.ResponseWriter, r *http.Request) {
	if s.client == nil || s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "symbol sync not enabled")
		return
	}
	added, removed, err := symbols.Refresh(r.Context(), s.registry, s.client, s.cfg.QuoteAssets)
	if err != nil {
		writeError(w, http.StatusBadGateway, "exchangeInfo fetch failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"added":   added,
		"removed": removed,
	})
}
