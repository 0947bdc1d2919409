package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/guidance-retrieval/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	judgeModel string
	embedModel string
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(baseURL, judgeModel, embedModel string, executor *resilience.Executor) *Client {
	if executor == nil {
		executor = resilience.NewExecutor(resilience.DefaultConfig())
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		judgeModel: judgeModel,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		executor:   executor,
	}
}

type Embedder struct {
	client *Client
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	request := map[string]any{
		"model": e.client.embedModel,
		"input": texts,
	}

	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := e.client.postJSON(ctx, "/api/embed", request, &response, "embed"); err != nil {
		return nil, err
	}
	return response.Embeddings, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("empty embedding result")
	}
	return vectors[0], nil
}

// RelevanceJudge asks the generation model for a 0-10 relevance score.
type RelevanceJudge struct {
	client *Client
}

func NewRelevanceJudge(client *Client) *RelevanceJudge {
	return &RelevanceJudge{client: client}
}

func (j *RelevanceJudge) JudgeRelevance(ctx context.Context, query, passage string) (float64, error) {
	raw, err := j.client.generateJSON(ctx, buildRelevancePrompt(query, passage))
	if err != nil {
		return 0, err
	}
	return parseRelevanceScore(raw)
}

func (c *Client) generateJSON(ctx context.Context, prompt string) (string, error) {
	reqBody := map[string]any{
		"model":  c.judgeModel,
		"prompt": prompt,
		"stream": false,
		"format": "json",
		"options": map[string]any{
			"temperature": 0,
		},
	}

	var response struct {
		Response string `json:"response"`
	}
	if err := c.postJSON(ctx, "/api/generate", reqBody, &response, "generate"); err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Response), nil
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

// judgeVerdict accepts the score as a number or a numeric string; small
// models emit both.
type judgeVerdict struct {
	Score json.Number `json:"score"`
}
