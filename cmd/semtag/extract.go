package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	imagesemantics "github.com/menta2k/image-semantics"
	"github.com/menta2k/image-semantics/internal/utils"
	"github.com/menta2k/image-semantics/pkg/store"
	"github.com/menta2k/image-semantics/pkg/types"
)

func extractCommand() *cli.Command {
	return &cli.Command{
		Name:   "extract",
		Usage:  "Extract region tags, caption and prompt from images",
		Action: extractAction,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:     "in",
				Aliases:  []string{"i"},
				Usage:    "Input image file, directory or http(s) URL (repeatable)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "out",
				Usage: "Write JSON results to this file instead of stdout",
			},
			&cli.StringFlag{
				Name:  "overlay",
				Usage: "Directory for region grid overlays",
			},
			&cli.StringFlag{
				Name:  "encoder-url",
				Usage: "Image embedding server URL (overrides encoder.url)",
			},
			&cli.StringFlag{
				Name:  "upload",
				Usage: "Annotation upload endpoint (overrides upload.endpoint)",
			},
			&cli.BoolFlag{
				Name:  "store",
				Usage: "Persist posts and annotations in the configured store",
			},
		},
	}
}

type extractEntry struct {
	Source string `json:"source"`
	imagesemantics.AnalysisResult
}

func extractAction(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := configFrom(c)
	log := loggerFrom(c)
	if c.IsSet("encoder-url") {
		cfg.Encoder.URL = c.String("encoder-url")
	}
	if c.IsSet("upload") {
		cfg.Upload.Endpoint = c.String("upload")
	}

	sources, err := collectInputs(c.StringSlice("in"))
	if err != nil {
		return err
	}

	var st *store.Store
	if c.Bool("store") {
		st, err = store.Open(cfg.Store.Path, cfg.Store.InMemory, log.Named("store"))
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()
	}

	encoder, err := newImageEncoder(cfg.Encoder)
	if err != nil {
		return fmt.Errorf("failed to create encoder: %w", err)
	}
	sem, err := newSemantics(cfg, encoder, newPublisher(cfg.Upload, st, log), log)
	if err != nil {
		return err
	}
	defer sem.Close()

	if err := sem.Preload(); err != nil {
		return fmt.Errorf("failed to load vocabularies: %w", err)
	}

	entries := make([]extractEntry, len(sources))
	var posts []*types.Post
	var owners []int
	for i, src := range sources {
		entries[i].Source = src

		img, err := sem.LoadImage(ctx, src)
		if err != nil {
			log.Warn("failed to load image", zap.String("source", src), zap.Error(err))
			entries[i].Error = err.Error()
			continue
		}

		post := types.NewPost(postID(src), "", img)
		if st != nil {
			if err := st.Save(ctx, post.Snapshot()); err != nil {
				return fmt.Errorf("failed to save post %s: %w", post.ID, err)
			}
			if err := st.SetStatus(ctx, post.ID, types.StatusProcessing); err != nil {
				return fmt.Errorf("failed to mark post %s processing: %w", post.ID, err)
			}
		}
		posts = append(posts, post)
		owners = append(owners, i)
	}
	if len(posts) == 0 {
		return errors.New("no input image could be loaded")
	}

	log.Info("extracting", zap.Int("images", len(posts)))
	for j, r := range sem.ProcessBatch(ctx, posts) {
		i := owners[j]
		entries[i].AnalysisResult = sem.Result(r.Annotation, r.Err)

		if dir := c.String("overlay"); dir != "" {
			path, err := sem.WriteOverlay(posts[j].Image, r.Annotation.RegionTags, sources[i], dir)
			if err != nil {
				log.Warn("overlay failed", zap.String("source", sources[i]), zap.Error(err))
				continue
			}
			entries[i].Overlay = path
		}
	}

	return writeEntries(c.App.Writer, c.String("out"), entries)
}

// collectInputs expands directories into their image files
func collectInputs(ins []string) ([]string, error) {
	var sources []string
	for _, in := range ins {
		if utils.DirExists(in) {
			files, err := utils.ListImageFiles(in)
			if err != nil {
				return nil, fmt.Errorf("failed to list %s: %w", in, err)
			}
			sources = append(sources, files...)
			continue
		}
		sources = append(sources, in)
	}
	if len(sources) == 0 {
		return nil, errors.New("no input images found")
	}
	return sources, nil
}

// postID derives an id from a file name; URLs get a random id
func postID(src string) string {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return uuid.NewString()
	}
	if id := utils.PostIDFromPath(src); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeEntries(stdout io.Writer, path string, entries []extractEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	data = append(data, '\n')

	if path == "" {
		_, err = stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	return nil
}
