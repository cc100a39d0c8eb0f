// Package imagesemantics turns an image into semantic metadata: per-region
// tags, a one-sentence caption and a comma-separated generation prompt.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"log"
//
//		imagesemantics "github.com/menta2k/image-semantics"
//		"github.com/menta2k/image-semantics/pkg/llamacpp"
//		"github.com/menta2k/image-semantics/pkg/tagger"
//		"github.com/menta2k/image-semantics/pkg/upload"
//		"github.com/menta2k/image-semantics/pkg/vocab"
//	)
//
//	func main() {
//		encoder, err := llamacpp.NewClient("http://localhost:8080", "clip")
//		if err != nil {
//			log.Fatal(err)
//		}
//		taggers := tagger.NewSet(vocab.Loader(map[tagger.Kind]vocab.Source{
//			tagger.KindObject:  {Labels: "object_labels.json", Embeddings: "object_embs.npy"},
//			tagger.KindCaption: {Labels: "caption_labels.json", Embeddings: "caption_embs.npy"},
//			tagger.KindStyle:   {Labels: "style_labels.json", Embeddings: "style_embs.npy"},
//		}))
//
//		sem, err := imagesemantics.New(encoder, taggers, upload.Discard)
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer sem.Close()
//
//		result, err := sem.ProcessImageFile(context.Background(), "photo.jpg", "")
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Println(result.Annotation.Caption)
//		fmt.Println(result.Annotation.SemanticPrompt)
//	}
//
// The package wires these components:
//
//  1. Tagger (pkg/tagger): cosine top-K lookup over label embeddings
//  2. Region extractor (pkg/region): grid tiling and per-tile labeling
//  3. Caption composer (pkg/caption): deterministic template sentence
//  4. Prompt synthesizer (pkg/prompt): frequency-ranked keyword prompts
//  5. Orchestrator (pkg/extraction): fallbacks, atomic post update, single publish
package imagesemantics

import (
	"context"
	"fmt"
	"image"
	"strings"

	"go.uber.org/zap"

	"github.com/menta2k/image-semantics/internal/utils"
	"github.com/menta2k/image-semantics/pkg/caption"
	"github.com/menta2k/image-semantics/pkg/client"
	"github.com/menta2k/image-semantics/pkg/extraction"
	"github.com/menta2k/image-semantics/pkg/processing"
	"github.com/menta2k/image-semantics/pkg/prompt"
	"github.com/menta2k/image-semantics/pkg/region"
	"github.com/menta2k/image-semantics/pkg/tagger"
	"github.com/menta2k/image-semantics/pkg/types"
	"github.com/menta2k/image-semantics/pkg/upload"
)

// Version of the image semantics library
const Version = "1.0.0"

// overlayTags is the number of tags printed per tile on a region overlay
const overlayTags = 2

// Config groups the settings of every component
type Config struct {
	Extraction extraction.Config
	Caption    caption.Config
	Keywords   prompt.Config
	Logger     *zap.Logger
}

// DefaultConfig returns the reference settings
func DefaultConfig() Config {
	return Config{
		Extraction: extraction.DefaultConfig(),
		Caption:    caption.DefaultConfig(),
		Keywords:   prompt.DefaultConfig(),
		Logger:     zap.NewNop(),
	}
}

// ImageSemantics provides a high-level interface over the extraction pipeline
type ImageSemantics struct {
	taggers      *tagger.Set
	extractor    *region.Extractor
	composer     *caption.Composer
	keywords     *prompt.Synthesizer
	orchestrator *extraction.Orchestrator
	processor    *processing.Processor
}

// New creates an ImageSemantics with default configuration
func New(encoder client.ImageEncoder, taggers *tagger.Set, publisher upload.Publisher) (*ImageSemantics, error) {
	return NewWithConfig(encoder, taggers, publisher, DefaultConfig())
}

// NewWithConfig creates an ImageSemantics with custom configuration
func NewWithConfig(encoder client.ImageEncoder, taggers *tagger.Set, publisher upload.Publisher, cfg Config) (*ImageSemantics, error) {
	if taggers == nil {
		return nil, extraction.ErrTaggersRequired
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	extractor := region.New(encoder, taggers.Querier(tagger.KindObject),
		region.WithConfig(cfg.Extraction.Region),
		region.WithLogger(logger.Named("region")))

	if cfg.Caption == (caption.Config{}) {
		cfg.Caption = caption.DefaultConfig()
	}
	ext := cfg.Extraction
	ext.Caption = cfg.Caption

	orchestrator, err := extraction.New(encoder, taggers, publisher,
		extraction.WithConfig(ext),
		extraction.WithLogger(logger.Named("extraction")),
		extraction.WithRegionExtractor(extractor))
	if err != nil {
		return nil, err
	}

	return &ImageSemantics{
		taggers:      taggers,
		extractor:    extractor,
		composer:     caption.NewWithConfig(cfg.Caption),
		keywords:     prompt.NewWithConfig(cfg.Keywords),
		orchestrator: orchestrator,
		processor:    processing.NewProcessor(),
	}, nil
}

// Close releases the worker pool
func (s *ImageSemantics) Close() {
	s.orchestrator.Release()
}

// AnalysisResult is the annotation of one image plus the keyword prompt
type AnalysisResult struct {
	Annotation types.Annotation `json:"annotation"`
	Keywords   string           `json:"keywords"`
	Degraded   bool             `json:"degraded"`
	Overlay    string           `json:"overlay,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Preload builds the three vocabulary indexes up front
func (s *ImageSemantics) Preload() error {
	return s.taggers.LoadAll()
}

// LoadImage loads an image from a file path or an http(s) URL
func (s *ImageSemantics) LoadImage(ctx context.Context, source string) (image.Image, error) {
	return s.processor.LoadImageSmart(ctx, source)
}

// ExtractRegions returns the region map of img
func (s *ImageSemantics) ExtractRegions(ctx context.Context, img image.Image) (types.RegionMap, error) {
	return s.extractor.Extract(ctx, img)
}

// Caption composes the caption sentence of a region map
func (s *ImageSemantics) Caption(regions types.RegionMap) (string, error) {
	return s.composer.Compose(regions)
}

// Keywords returns the frequency-ranked keyword prompt of a region map
func (s *ImageSemantics) Keywords(regions types.RegionMap) string {
	return s.keywords.Synthesize(regions)
}

// Analyze annotates img without publishing. The result is always usable;
// a degraded result carries the fallback prompt.
func (s *ImageSemantics) Analyze(ctx context.Context, img image.Image) AnalysisResult {
	return s.Result(s.orchestrator.Annotate(ctx, img))
}

// Process runs the full pipeline on a post: annotate, apply, publish once
func (s *ImageSemantics) Process(ctx context.Context, post *types.Post) (types.Annotation, error) {
	return s.orchestrator.Process(ctx, post)
}

// ProcessBatch runs Process on every post through the worker pool
func (s *ImageSemantics) ProcessBatch(ctx context.Context, posts []*types.Post) []extraction.Result {
	return s.orchestrator.ProcessBatch(ctx, posts)
}

// Result turns a processed post into an AnalysisResult
func (s *ImageSemantics) Result(a types.Annotation, err error) AnalysisResult {
	res := AnalysisResult{
		Annotation: a,
		Keywords:   s.Keywords(a.RegionTags),
		Degraded:   a.Degraded,
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// RegionOverlay draws the tiling grid of the given size over img, labeled
// with the first tags each tile has in regions. Nothing is re-encoded.
func (s *ImageSemantics) RegionOverlay(img image.Image, regions types.RegionMap, grid int) image.Image {
	labels := make(map[[2]int]string)
	for _, rt := range regions {
		g, row, col, ok := region.ParseID(rt.Region)
		if !ok || g != grid {
			continue
		}
		n := min(len(rt.Tags), overlayTags)
		labels[[2]int{row, col}] = strings.Join(rt.Tags[:n], ", ")
	}

	return s.processor.CreateRegionOverlay(img, grid, func(row, col int) string {
		return labels[[2]int{row, col}]
	})
}

// ProcessImageFile loads an image, runs the full pipeline on it as a post
// whose id is derived from the file name and, when overlayDir is set, writes
// a region overlay next to the result.
func (s *ImageSemantics) ProcessImageFile(ctx context.Context, inputPath, overlayDir string) (AnalysisResult, error) {
	img, err := s.LoadImage(ctx, inputPath)
	if err != nil {
		return AnalysisResult{}, fmt.Errorf("failed to load image: %w", err)
	}

	post := types.NewPost(utils.PostIDFromPath(inputPath), "", img)
	res := s.Result(s.Process(ctx, post))

	if overlayDir != "" {
		path, err := s.WriteOverlay(img, res.Annotation.RegionTags, inputPath, overlayDir)
		if err != nil {
			return res, err
		}
		res.Overlay = path
	}
	return res, nil
}

// WriteOverlay saves the region overlay of the finest configured grid as
// <dir>/<name>_regions.png and returns its path.
func (s *ImageSemantics) WriteOverlay(img image.Image, regions types.RegionMap, inputPath, dir string) (string, error) {
	grid := 1
	for _, g := range s.extractor.Config().GridSizes {
		grid = max(grid, g)
	}

	overlay := s.RegionOverlay(img, regions, grid)
	if err := utils.EnsureDir(dir); err != nil {
		return "", fmt.Errorf("failed to create overlay directory: %w", err)
	}

	path := utils.GenerateOutputFilename(inputPath, dir, "", "_regions", "png")
	if err := s.processor.SaveImage(overlay, path, "png", 0, false); err != nil {
		return "", fmt.Errorf("failed to save overlay: %w", err)
	}
	return path, nil
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
