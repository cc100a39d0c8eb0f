package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/menta2k/image-semantics/internal/config"
	"github.com/menta2k/image-semantics/pkg/llamacpp"
	"github.com/menta2k/image-semantics/pkg/upload"
	"github.com/menta2k/image-semantics/pkg/vocab"
)

// embeddingServer answers /v1/embeddings with vec(input) for every input
func embeddingServer(t *testing.T, vec func(input string) []float32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/v1/embeddings", r.URL.Path)

		var req llamacpp.EmbeddingRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		resp := llamacpp.EmbeddingResponse{Object: "list"}
		for i, in := range req.Input {
			resp.Data = append(resp.Data, llamacpp.EmbeddingData{Object: "embedding", Index: i, Embedding: vec(in)})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func writeVocab(t *testing.T, dir, name string, labels []string, rows [][]float32) vocab.Source {
	t.Helper()
	src := vocab.Source{
		Labels:     filepath.Join(dir, name+"_labels.json"),
		Embeddings: filepath.Join(dir, name+"_embs.npy"),
	}
	require.NoError(t, vocab.SaveLabels(src.Labels, labels))
	require.NoError(t, vocab.SaveNpy(src.Embeddings, rows))
	return src
}

func writePNG(t *testing.T, path string, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 24, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 24; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// writeTestConfig saves a quiet in-memory configuration and returns its path
func writeTestConfig(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.Level = "error"
	cfg.Store.InMemory = true
	cfg.Store.Path = ""
	if mutate != nil {
		mutate(cfg)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, cfg.SaveToFile(path))
	return path
}

func TestExtractRequiresInput(t *testing.T) {
	app := newApp()
	app.Writer = &bytes.Buffer{}
	app.ErrWriter = &bytes.Buffer{}

	err := app.Run([]string{"semtag", "--config", writeTestConfig(t, nil), "extract"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in")
}

func TestMissingExplicitConfig(t *testing.T) {
	app := newApp()
	app.Writer = &bytes.Buffer{}
	err := app.Run([]string{"semtag", "--config", filepath.Join(t.TempDir(), "none.yaml"), "vocab", "build", "--labels", "x", "--out", "y"})
	assert.Error(t, err)
}

func TestVocabBuild(t *testing.T) {
	srv, calls := embeddingServer(t, func(input string) []float32 {
		return []float32{float32(len(input)), 0, 0, 0}
	})

	dir := t.TempDir()
	labelsPath := filepath.Join(dir, "labels.json")
	require.NoError(t, vocab.SaveLabels(labelsPath, []string{"cat", "dog", "tree"}))
	outPath := filepath.Join(dir, "embs.npy")

	app := newApp()
	app.Writer = &bytes.Buffer{}
	err := app.Run([]string{
		"semtag", "--config", writeTestConfig(t, nil),
		"vocab", "build",
		"--labels", labelsPath,
		"--out", outPath,
		"--provider", "llamacpp",
		"--url", srv.URL,
		"--batch-size", "2",
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	m, err := vocab.LoadNpy(outPath)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, m.Shape)
	rows, err := m.Rows()
	require.NoError(t, err)
	for _, row := range rows {
		assert.InDelta(t, 1.0, row[0], 1e-6)
	}
}

func TestExtractDirectory(t *testing.T) {
	srv, _ := embeddingServer(t, func(string) []float32 { return []float32{1, 0.2, 0.1} })

	dir := t.TempDir()
	object := writeVocab(t, dir, "object", []string{"cat", "dog", "tree"},
		[][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}})
	captionSrc := writeVocab(t, dir, "caption", []string{"a cat on grass"}, [][]float32{{1, 0, 0}})
	style := writeVocab(t, dir, "style", []string{"photo"}, [][]float32{{1, 0, 0}})

	images := filepath.Join(dir, "images")
	require.NoError(t, os.MkdirAll(images, 0o755))
	writePNG(t, filepath.Join(images, "b.png"), color.RGBA{0, 200, 0, 255})
	writePNG(t, filepath.Join(images, "a.png"), color.RGBA{200, 0, 0, 255})

	cfgPath := writeTestConfig(t, func(c *config.Config) {
		c.Encoder.URL = srv.URL
		c.Vocab = config.VocabConfig{Object: object, Caption: captionSrc, Style: style}
	})

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	overlays := filepath.Join(dir, "overlays")
	require.NoError(t, app.Run([]string{
		"semtag", "--config", cfgPath,
		"extract", "--in", images, "--overlay", overlays, "--store",
	}))

	var entries []struct {
		Source     string `json:"source"`
		Annotation struct {
			ID             string `json:"id"`
			Caption        string `json:"caption"`
			SemanticPrompt string `json:"semanticPrompt"`
		} `json:"annotation"`
		Keywords string `json:"keywords"`
		Degraded bool   `json:"degraded"`
		Overlay  string `json:"overlay"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &entries))
	require.Len(t, entries, 2)

	assert.True(t, strings.HasSuffix(entries[0].Source, "a.png"))
	assert.Equal(t, "a", entries[0].Annotation.ID)
	assert.Equal(t, "b", entries[1].Annotation.ID)
	for _, e := range entries {
		assert.False(t, e.Degraded)
		assert.Equal(t, "photo, cat, dog, tree, a cat on grass", e.Annotation.SemanticPrompt)
		assert.Equal(t, "A cat, dog, and tree appear in the image.", e.Annotation.Caption)
		assert.Equal(t, "cat, dog, tree", e.Keywords)
		assert.FileExists(t, e.Overlay)
	}
}

func TestCollectInputs(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "x.png"), color.White)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	got, err := collectInputs([]string{dir, "https://example.com/cat.jpg"})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "x.png"), "https://example.com/cat.jpg"}, got)

	_, err = collectInputs([]string{t.TempDir()})
	assert.Error(t, err)
}

func TestPostID(t *testing.T) {
	assert.Equal(t, "holiday_01", postID("/photos/holiday 01.jpg"))
	assert.Len(t, postID("https://example.com/cat.jpg"), 36)
}

func TestNewTextEncoder(t *testing.T) {
	for _, provider := range []string{"", "llamacpp", "openai"} {
		enc, err := newTextEncoder(config.TextEncoderConfig{Provider: provider, URL: "http://localhost:1", Model: "m"})
		require.NoError(t, err, provider)
		assert.NotNil(t, enc)
	}

	enc, err := newTextEncoder(config.TextEncoderConfig{Provider: "ollama", URL: "http://localhost:11434", Model: "m"})
	require.NoError(t, err)
	assert.NotNil(t, enc)

	_, err = newTextEncoder(config.TextEncoderConfig{Provider: "cohere"})
	assert.Error(t, err)
}

func TestNewPublisher(t *testing.T) {
	p := newPublisher(config.UploadConfig{}, nil, zap.NewNop())
	_, isFanout := p.(upload.Fanout)
	assert.False(t, isFanout)

	p = newPublisher(config.UploadConfig{Endpoint: "http://localhost:1/annotations", TimeoutSec: 1}, nil, zap.NewNop())
	f, ok := p.(upload.Fanout)
	require.True(t, ok)
	assert.Len(t, f, 1)
}
