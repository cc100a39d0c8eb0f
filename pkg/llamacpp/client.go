package llamacpp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/menta2k/image-semantics/pkg/client"
	"github.com/menta2k/image-semantics/pkg/processing"
)

// ErrEmptyEmbedding is returned when the server answers without vectors
var ErrEmptyEmbedding = errors.New("llamacpp: empty embedding response")

// Client talks to an OpenAI-compatible /v1/embeddings endpoint, such as
// llama-server started with --embeddings and a multimodal projector.
// It implements both client.ImageEncoder and client.TextEncoder.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	processor  *processing.Processor

	sendFormat  string
	sendSize    int
	sendQuality int
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient overrides the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithImagePayload sets how images are encoded before upload
func WithImagePayload(format string, maxDim, quality int) Option {
	return func(c *Client) {
		c.sendFormat = format
		c.sendSize = maxDim
		c.sendQuality = quality
	}
}

// EmbeddingRequest is the OpenAI-compatible embeddings request
type EmbeddingRequest struct {
	Model          string   `json:"model,omitempty"`
	Input          []string `json:"input"`
	EncodingFormat string   `json:"encoding_format,omitempty"`
}

// EmbeddingResponse is the OpenAI-compatible embeddings response
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Model  string          `json:"model"`
	Data   []EmbeddingData `json:"data"`
	Usage  Usage           `json:"usage,omitempty"`
}

type EmbeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type Usage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func NewClient(serverURL, model string, opts ...Option) (*Client, error) {
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}

	c := &Client{
		baseURL: strings.TrimSuffix(serverURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
		processor:   processing.NewProcessor(),
		sendFormat:  "jpg",
		sendSize:    448,
		sendQuality: 90,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// EmbedImage encodes img as a data URL and returns its unit-length embedding
func (c *Client) EmbedImage(ctx context.Context, img image.Image) ([]float32, error) {
	b64, err := c.processor.PrepareImageForModel(img, c.sendFormat, c.sendSize, c.sendQuality)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	vectors, err := c.embed(ctx, []string{processing.DataURL(c.sendFormat, b64)})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedTexts returns one unit-length embedding per text, in input order
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return c.embed(ctx, texts)
}

func (c *Client) embed(ctx context.Context, input []string) ([][]float32, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 120*time.Second)
		defer cancel()
	}

	req := EmbeddingRequest{
		Model:          c.model,
		Input:          input,
		EncodingFormat: "float",
	}

	respBody, err := c.sendRequest(ctx, "/v1/embeddings", req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	var resp EmbeddingResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if len(resp.Data) != len(input) {
		return nil, fmt.Errorf("%w: got %d vectors for %d inputs", ErrEmptyEmbedding, len(resp.Data), len(input))
	}

	sort.SliceStable(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })

	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("%w: input %d", ErrEmptyEmbedding, i)
		}
		out[i] = client.Normalize(d.Embedding)
	}
	return out, nil
}

func (c *Client) sendRequest(ctx context.Context, endpoint string, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
