package main

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	imagesemantics "github.com/menta2k/image-semantics"
	"github.com/menta2k/image-semantics/internal/config"
	"github.com/menta2k/image-semantics/pkg/caption"
	"github.com/menta2k/image-semantics/pkg/client"
	"github.com/menta2k/image-semantics/pkg/llamacpp"
	"github.com/menta2k/image-semantics/pkg/ollama"
	"github.com/menta2k/image-semantics/pkg/openai"
	"github.com/menta2k/image-semantics/pkg/store"
	"github.com/menta2k/image-semantics/pkg/tagger"
	"github.com/menta2k/image-semantics/pkg/upload"
	"github.com/menta2k/image-semantics/pkg/vocab"
)

func newImageEncoder(cfg config.EncoderConfig) (*llamacpp.Client, error) {
	return llamacpp.NewClient(cfg.URL, cfg.Model,
		llamacpp.WithHTTPClient(&http.Client{Timeout: cfg.Timeout()}),
		llamacpp.WithImagePayload(cfg.SendFormat, cfg.SendSize, cfg.SendQuality))
}

// newTextEncoder picks the label embedding backend. Labels must land in the
// same space as image embeddings, so llamacpp serving the image model is the
// usual choice; ollama and openai serve text-only setups.
func newTextEncoder(cfg config.TextEncoderConfig) (client.TextEncoder, error) {
	switch cfg.Provider {
	case "", "llamacpp":
		return llamacpp.NewClient(cfg.URL, cfg.Model)
	case "ollama":
		return ollama.NewClient(cfg.URL, cfg.Model)
	case "openai":
		return openai.NewClient(cfg.APIKey, cfg.URL, cfg.Model, cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown text encoder provider %q (use llamacpp, ollama or openai)", cfg.Provider)
	}
}

// newPublisher delivers annotations to the local store and the upload
// endpoint, whichever are configured.
func newPublisher(cfg config.UploadConfig, st *store.Store, logger *zap.Logger) upload.Publisher {
	var targets upload.Fanout
	if st != nil {
		targets = append(targets, st)
	}
	if cfg.Endpoint != "" {
		targets = append(targets, upload.NewHTTPUploader(cfg.Endpoint, secs(cfg.TimeoutSec), logger.Named("upload")))
	}
	if len(targets) == 0 {
		return upload.Discard
	}
	return targets
}

func newSemantics(cfg *config.Config, encoder client.ImageEncoder, publisher upload.Publisher, logger *zap.Logger) (*imagesemantics.ImageSemantics, error) {
	taggers := tagger.NewSet(vocab.Loader(cfg.Vocab.Sources()))
	return imagesemantics.NewWithConfig(encoder, taggers, publisher, imagesemantics.Config{
		Extraction: cfg.OrchestratorConfig(),
		Caption:    caption.DefaultConfig(),
		Keywords:   cfg.KeywordConfig(),
		Logger:     logger,
	})
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}
