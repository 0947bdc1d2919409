package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
	"github.com/kirillkom/guidance-retrieval/internal/core/ports"
)

const maxBodyBytes = 1 << 20

// HTTPMetrics is the part of the metrics registry the router mounts.
type HTTPMetrics interface {
	Handler() http.Handler
	Middleware(next http.Handler) http.Handler
}

type Options struct {
	RateLimitRPS   float64
	RateLimitBurst int
	Metrics        HTTPMetrics
	// Ready is probed by /healthz. Nil means always ready.
	Ready func(ctx context.Context) error
}

type Router struct {
	searcher     ports.GuidanceSearcher
	documents    ports.DocumentReader
	supersession ports.SupersessionService
	cache        ports.CacheInvalidator
	opts         Options
}

func NewRouter(
	searcher ports.GuidanceSearcher,
	documents ports.DocumentReader,
	supersession ports.SupersessionService,
	cache ports.CacheInvalidator,
	opts Options,
) *Router {
	return &Router{
		searcher:     searcher,
		documents:    documents,
		supersession: supersession,
		cache:        cache,
		opts:         opts,
	}
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/guidance/query", rt.query)
	api.HandleFunc("GET /v1/documents/{id}", rt.getDocument)
	api.HandleFunc("GET /v1/documents/{id}/current", rt.currentDocument)
	api.HandleFunc("POST /v1/documents/{id}/supersede", rt.supersede)
	api.HandleFunc("POST /v1/cache/invalidate", rt.invalidateCache)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	if rt.opts.Metrics != nil {
		mux.Handle("GET /metrics", rt.opts.Metrics.Handler())
	}
	mux.Handle("/v1/", rateLimitMiddleware(api, rt.opts.RateLimitRPS, rt.opts.RateLimitBurst))

	var handler http.Handler = mux
	if rt.opts.Metrics != nil {
		handler = rt.opts.Metrics.Middleware(handler)
	}
	return requestIDMiddleware(accessLogMiddleware(handler))
}

func (rt *Router) healthz(w http.ResponseWriter, r *http.Request) {
	if rt.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := rt.opts.Ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type queryRequestBody struct {
	Query              string            `json:"query"`
	ToolContext        string            `json:"tool_context"`
	Hints              domain.QueryHints `json:"hints"`
	OrganizationFilter []string          `json:"organization_filter"`
	DocumentTypeFilter []string          `json:"document_type_filter"`
	TopicFilter        []string          `json:"topic_filter"`
	IncludeSuperseded  bool              `json:"include_superseded"`
	EffectiveAfter     string            `json:"effective_after"`
	EffectiveBefore    string            `json:"effective_before"`
	ResultCount        int               `json:"result_count"`
	TimeoutMS          int               `json:"timeout_ms"`
}

func (b queryRequestBody) toDomain() (domain.QueryRequest, error) {
	req := domain.QueryRequest{
		Query:              b.Query,
		ToolContext:        b.ToolContext,
		Hints:              b.Hints,
		OrganizationFilter: b.OrganizationFilter,
		DocumentTypeFilter: b.DocumentTypeFilter,
		TopicFilter:        b.TopicFilter,
		IncludeSuperseded:  b.IncludeSuperseded,
		ResultCount:        b.ResultCount,
		Timeout:            time.Duration(b.TimeoutMS) * time.Millisecond,
	}
	var err error
	if req.EffectiveAfter, err = parseDate("effective_after", b.EffectiveAfter); err != nil {
		return req, err
	}
	if req.EffectiveBefore, err = parseDate("effective_before", b.EffectiveBefore); err != nil {
		return req, err
	}
	return req, nil
}

func (rt *Router) query(w http.ResponseWriter, r *http.Request) {
	var body queryRequestBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	req, err := body.toDomain()
	if err != nil {
		writeError(w, err)
		return
	}

	resp, err := rt.searcher.Search(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := rt.documents.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) currentDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	chain, err := rt.supersession.Chain(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document_id":         id,
		"current_document_id": chain[len(chain)-1],
		"chain":               chain,
	})
}

func (rt *Router) supersede(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SupersededBy string `json:"superseded_by"`
		At           string `json:"at"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(body.SupersededBy) == "" {
		writeError(w, domain.WrapError(domain.ErrInvalidInput, "supersede", errors.New("superseded_by is required")))
		return
	}
	at := time.Now().UTC()
	if parsed, err := parseDate("at", body.At); err != nil {
		writeError(w, err)
		return
	} else if parsed != nil {
		at = *parsed
	}

	id := r.PathValue("id")
	if err := rt.supersession.MarkSuperseded(r.Context(), id, body.SupersededBy, at); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document_id":   id,
		"superseded_by": body.SupersededBy,
		"superseded_at": at,
	})
}

func (rt *Router) invalidateCache(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Organization string `json:"organization"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(body.Organization) == "" {
		writeError(w, domain.WrapError(domain.ErrInvalidInput, "invalidate cache", errors.New("organization is required")))
		return
	}
	removed := 0
	if rt.cache != nil {
		removed = rt.cache.InvalidateOrganization(body.Organization)
	}
	writeJSON(w, http.StatusOK, map[string]any{"organization": body.Organization, "removed": removed})
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return domain.WrapError(domain.ErrInvalidInput, "decode request", fmt.Errorf("invalid json: %w", err))
	}
	return nil
}

// parseDate accepts a calendar date or an RFC 3339 timestamp.
func parseDate(field, value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return &t, nil
		}
	}
	return nil, domain.WrapError(domain.ErrInvalidInput, "parse "+field, fmt.Errorf("%q is not a date", value))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
