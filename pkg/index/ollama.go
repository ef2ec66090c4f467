package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/collective/pkg/fault"
)

// OllamaEmbedder calls a local ollama server for embeddings.
type OllamaEmbedder struct {
	endpoint string
	model    string
	dims     int
	client   *http.Client
}

// NewOllamaEmbedder creates an embedder against endpoint using model.
// dims must match what the model produces; it is trusted, not probed.
func NewOllamaEmbedder(endpoint, model string, dims int) *OllamaEmbedder {
	if model == "" {
		model = "embeddinggemma"
	}
	return &OllamaEmbedder{
		endpoint: endpoint,
		model:    model,
		dims:     dims,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed requests one embedding from the server.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fault.Internalf(err, "marshal embed request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fault.Internalf(err, "build embed request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fault.Unavailablef(err, "embeddings endpoint")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fault.Unavailablef(fmt.Errorf("status %d: %s", resp.StatusCode, msg), "embeddings endpoint")
	}

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fault.Unavailablef(err, "decode embeddings response")
	}
	if len(out.Embedding) != e.dims {
		return nil, fault.Internalf(nil, "model %s returned %d dims, configured %d", e.model, len(out.Embedding), e.dims)
	}
	return out.Embedding, nil
}

// EmbedBatch embeds sequentially; the API has no batch call.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the configured dimensionality.
func (e *OllamaEmbedder) Dimensions() int {
	return e.dims
}

// Name identifies the embedder in logs and status output.
func (e *OllamaEmbedder) Name() string {
	return "ollama:" + e.model
}
