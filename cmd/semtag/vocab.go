package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/menta2k/image-semantics/pkg/client"
	"github.com/menta2k/image-semantics/pkg/vocab"
)

func vocabCommand() *cli.Command {
	return &cli.Command{
		Name:  "vocab",
		Usage: "Manage label dictionaries",
		Subcommands: []*cli.Command{
			{
				Name:   "build",
				Usage:  "Embed a JSON label list and write the .npy matrix",
				Action: vocabBuildAction,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "labels",
						Usage:    "Path to JSON array of labels",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "out",
						Aliases:  []string{"o"},
						Usage:    "Output .npy path",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "provider",
						Usage: "Text encoder: llamacpp, ollama or openai (overrides text_encoder.provider)",
					},
					&cli.StringFlag{
						Name:  "url",
						Usage: "Text encoder URL (overrides text_encoder.url)",
					},
					&cli.StringFlag{
						Name:  "model",
						Usage: "Embedding model name (overrides text_encoder.model)",
					},
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Number of labels per embedding request",
						Value: 64,
					},
				},
			},
		},
	}
}

func vocabBuildAction(c *cli.Context) error {
	cfg := configFrom(c)
	log := loggerFrom(c)

	te := cfg.TextEncoder
	if c.IsSet("provider") {
		te.Provider = c.String("provider")
	}
	if c.IsSet("url") {
		te.URL = c.String("url")
	}
	if c.IsSet("model") {
		te.Model = c.String("model")
	}

	labels, err := vocab.LoadLabels(c.String("labels"))
	if err != nil {
		return err
	}
	if len(labels) == 0 {
		return fmt.Errorf("%s has no labels", c.String("labels"))
	}

	encoder, err := newTextEncoder(te)
	if err != nil {
		return err
	}

	start := time.Now()
	rows, err := embedLabels(c.Context, encoder, labels, c.Int("batch-size"))
	if err != nil {
		return err
	}

	if err := vocab.SaveNpy(c.String("out"), rows); err != nil {
		return err
	}

	log.Info("vocabulary built",
		zap.String("provider", te.Provider),
		zap.Int("labels", len(labels)),
		zap.Int("dimension", len(rows[0])),
		zap.String("out", c.String("out")),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// embedLabels embeds labels in batches and keeps input order
func embedLabels(ctx context.Context, encoder client.TextEncoder, labels []string, batchSize int) ([][]float32, error) {
	if batchSize < 1 {
		batchSize = len(labels)
	}

	rows := make([][]float32, 0, len(labels))
	for start := 0; start < len(labels); start += batchSize {
		end := min(start+batchSize, len(labels))
		vecs, err := encoder.EmbedTexts(ctx, labels[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed labels %d-%d: %w", start, end-1, err)
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embed labels %d-%d: got %d vectors", start, end-1, len(vecs))
		}
		rows = append(rows, vecs...)
	}
	return rows, nil
}
