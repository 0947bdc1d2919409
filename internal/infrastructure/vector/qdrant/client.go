package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
	"github.com/kirillkom/guidance-retrieval/internal/infrastructure/resilience"
)

// pointNamespace derives stable point ids from chunk ids so re-ingestion
// overwrites instead of duplicating.
var pointNamespace = uuid.MustParse("6f1c9a52-4a0e-5b8e-9d3b-2c7f0e4d1a90")

type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client
	executor   *resilience.Executor

	ensureMu          sync.Mutex
	ensuredCollection bool
	ensuredVectorSize int
}

func New(baseURL, collection string, executor *resilience.Executor) *Client {
	if executor == nil {
		executor = resilience.NewExecutor(resilience.DefaultConfig())
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		executor:   executor,
	}
}

func PointID(chunkID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(chunkID)).String()
}

type point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

func (c *Client) IndexChunks(ctx context.Context, doc *domain.Document, chunks []domain.Chunk, vectors [][]float32) error {
	if len(chunks) == 0 || len(vectors) == 0 {
		return nil
	}
	if len(chunks) != len(vectors) {
		return domain.WrapError(domain.ErrInvalidInput, "qdrant index", fmt.Errorf("chunks/vectors mismatch: %d/%d", len(chunks), len(vectors)))
	}

	if err := c.ensureCollection(ctx, len(vectors[0])); err != nil {
		return err
	}

	points := make([]point, 0, len(chunks))
	for i, chunk := range chunks {
		points = append(points, point{
			ID:      PointID(chunk.ID),
			Vector:  vectors[i],
			Payload: chunkPayload(doc, chunk),
		})
	}

	path := fmt.Sprintf("/collections/%s/points?wait=true", c.collection)
	return c.doJSON(ctx, http.MethodPut, path, map[string]any{"points": points}, nil, "upsert")
}

// DeleteDocument removes every point of a document. A collection that does
// not exist yet has nothing to delete.
func (c *Client) DeleteDocument(ctx context.Context, documentID string) error {
	body := map[string]any{"filter": documentFilter(documentID)}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", c.collection)
	if err := c.doJSON(ctx, http.MethodPost, path, body, nil, "delete"); err != nil && !isStatus(err, http.StatusNotFound) {
		return err
	}
	return nil
}

// MarkSuperseded rewrites the supersession fields in the payload of every
// point of a document, leaving vectors and other fields untouched.
func (c *Client) MarkSuperseded(ctx context.Context, documentID, successorID string) error {
	body := map[string]any{
		"payload": map[string]any{
			"is_superseded": true,
			"superseded_by": successorID,
		},
		"filter": documentFilter(documentID),
	}
	path := fmt.Sprintf("/collections/%s/points/payload?wait=true", c.collection)
	if err := c.doJSON(ctx, http.MethodPost, path, body, nil, "set_payload"); err != nil && !isStatus(err, http.StatusNotFound) {
		return err
	}
	return nil
}

func documentFilter(documentID string) map[string]any {
	return map[string]any{
		"must": []map[string]any{
			{
				"key":   "document_id",
				"match": map[string]any{"value": documentID},
			},
		},
	}
}

func (c *Client) Search(ctx context.Context, query domain.SimilarityQuery) ([]domain.Candidate, error) {
	if len(query.Vector) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "qdrant search", errors.New("query vector is empty"))
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 10
	}

	reqBody := map[string]any{
		"vector":       query.Vector,
		"limit":        limit,
		"with_payload": true,
	}
	if orgs := normalizeOrganizations(query.Organizations); len(orgs) > 0 {
		reqBody["filter"] = map[string]any{
			"must": []map[string]any{
				{
					"key":   "organization",
					"match": map[string]any{"any": orgs},
				},
			},
		}
	}

	var searchResp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", c.collection)
	if err := c.doJSON(ctx, http.MethodPost, path, reqBody, &searchResp, "search"); err != nil {
		return nil, err
	}

	out := make([]domain.Candidate, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		out = append(out, payloadCandidate(r.Payload, r.Score))
	}
	return out, nil
}

func (c *Client) ensureCollection(ctx context.Context, vectorSize int) error {
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	if c.ensuredCollection && c.ensuredVectorSize == vectorSize {
		return nil
	}

	create := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	err := c.doJSON(ctx, http.MethodPut, "/collections/"+c.collection, create, nil, "create_collection")
	if err != nil && !isStatus(err, http.StatusConflict) {
		return err
	}

	// Organization is the partition key of every search.
	index := map[string]any{
		"field_name": "organization",
		"field_schema": map[string]any{
			"type":      "keyword",
			"is_tenant": true,
		},
	}
	path := fmt.Sprintf("/collections/%s/index?wait=true", c.collection)
	if err := c.doJSON(ctx, http.MethodPut, path, index, nil, "create_index"); err != nil && !isStatus(err, http.StatusConflict) {
		return err
	}

	c.ensuredCollection = true
	c.ensuredVectorSize = vectorSize
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any, operation string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", operation, err)
	}

	err = c.executor.Execute(ctx, "qdrant."+operation, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create %s request: %w", operation, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("qdrant %s request: %w", operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return resilience.NewHTTPStatusError("qdrant", operation, resp)
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", operation, err)
		}
		return nil
	}, resilience.ClassifyHTTP)
	return resilience.WrapTemporary("qdrant "+operation, err, resilience.ClassifyHTTP)
}

func isStatus(err error, status int) bool {
	var statusErr *resilience.HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == status
}

func chunkPayload(doc *domain.Document, chunk domain.Chunk) map[string]any {
	payload := map[string]any{
		"chunk_id":       chunk.ID,
		"document_id":    doc.ID,
		"chunk_kind":     string(chunk.Kind),
		"ordinal":        chunk.Ordinal,
		"heading":        chunk.Heading,
		"text":           chunk.Body,
		"organization":   strings.ToLower(doc.Organization),
		"document_type":  doc.DocumentType,
		"topics":         doc.Topics,
		"effective_date": doc.EffectiveDate.Format(time.DateOnly),
		"is_superseded":  doc.IsSuperseded,
	}
	if chunk.ParentID != nil {
		payload["parent_id"] = *chunk.ParentID
	}
	if doc.SupersededBy != nil {
		payload["superseded_by"] = *doc.SupersededBy
	}
	if len(doc.Extensions) > 0 {
		payload["extensions"] = doc.Extensions
	}
	return payload
}

func payloadCandidate(payload map[string]any, score float64) domain.Candidate {
	c := domain.Candidate{
		ChunkID:      getStringPayload(payload, "chunk_id"),
		DocumentID:   getStringPayload(payload, "document_id"),
		Heading:      getStringPayload(payload, "heading"),
		Text:         getStringPayload(payload, "text"),
		ChunkKind:    domain.ChunkKind(getStringPayload(payload, "chunk_kind")),
		Organization: getStringPayload(payload, "organization"),
		DocumentType: getStringPayload(payload, "document_type"),
		Topics:       getStringSlicePayload(payload, "topics"),
		SupersededBy: getStringPayload(payload, "superseded_by"),
		Similarity:   score,
	}
	if ordinal, ok := payload["ordinal"].(float64); ok {
		c.Ordinal = int(ordinal)
	}
	if superseded, ok := payload["is_superseded"].(bool); ok {
		c.IsSuperseded = superseded
	}
	effective := getStringPayload(payload, "effective_date")
	if t, err := time.Parse(time.DateOnly, effective); err == nil {
		c.EffectiveDate = t
	}

	view := domain.FieldView{
		"organization":   c.Organization,
		"document_type":  c.DocumentType,
		"effective_date": effective,
		"is_superseded":  strconv.FormatBool(c.IsSuperseded),
	}
	if ext, ok := payload["extensions"].(map[string]any); ok {
		for k, v := range ext {
			view[k] = fmt.Sprintf("%v", v)
		}
	}
	c.SimilarityView = view
	return c
}

func normalizeOrganizations(orgs []string) []string {
	out := make([]string, 0, len(orgs))
	for _, org := range orgs {
		if org = strings.ToLower(strings.TrimSpace(org)); org != "" {
			out = append(out, org)
		}
	}
	return out
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getStringSlicePayload(payload map[string]any, key string) []string {
	raw, ok := payload[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
