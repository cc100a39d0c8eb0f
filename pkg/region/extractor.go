// Package region builds a region → tags map from an image by tiling it at
// several grid resolutions and labeling every tile through a tagger.
package region

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/image-semantics/internal/metrics"
	"github.com/menta2k/image-semantics/pkg/client"
	"github.com/menta2k/image-semantics/pkg/processing"
	"github.com/menta2k/image-semantics/pkg/tagger"
	"github.com/menta2k/image-semantics/pkg/types"
)

var (
	// ErrTileConversion is returned when a tile cannot be rendered to pixels.
	ErrTileConversion = errors.New("region: tile conversion failed")
	// ErrEncoderFailure wraps errors from the image encoder.
	ErrEncoderFailure = errors.New("region: encoder failure")
	// ErrInvalidGrid is returned for an empty grid list or a grid size below 1.
	ErrInvalidGrid = errors.New("region: invalid grid size")
)

// Config holds extraction parameters
type Config struct {
	GridSizes []int
	TopK      int
}

// DefaultConfig returns the whole image plus a 2×2 tiling, four labels per tile
func DefaultConfig() Config {
	return Config{
		GridSizes: []int{1, 2},
		TopK:      4,
	}
}

// Validate checks the grid list and top-K
func (c Config) Validate() error {
	if len(c.GridSizes) == 0 {
		return fmt.Errorf("%w: no grid sizes", ErrInvalidGrid)
	}
	for _, g := range c.GridSizes {
		if g < 1 {
			return fmt.Errorf("%w: %d", ErrInvalidGrid, g)
		}
	}
	if c.TopK < 1 {
		return fmt.Errorf("%w: got %d", tagger.ErrInvalidTopK, c.TopK)
	}
	return nil
}

// Tile is one labeled cell of a grid
type Tile struct {
	Grid   int
	Row    int
	Col    int
	Region string
	Rect   image.Rectangle
	Tags   []string
}

// Extractor tiles images and labels each tile
type Extractor struct {
	encoder   client.ImageEncoder
	labels    tagger.Querier
	processor *processing.Processor
	config    Config
	logger    *zap.Logger
}

// Option configures an Extractor
type Option func(*Extractor)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(e *Extractor) { e.logger = l }
}

// WithConfig replaces the default configuration
func WithConfig(c Config) Option {
	return func(e *Extractor) { e.config = c }
}

// New creates an extractor using encoder for tile embeddings and labels for tile tags
func New(encoder client.ImageEncoder, labels tagger.Querier, opts ...Option) *Extractor {
	e := &Extractor{
		encoder:   encoder,
		labels:    labels,
		processor: processing.NewProcessor(),
		config:    DefaultConfig(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the extraction parameters in use
func (e *Extractor) Config() Config {
	return e.config
}

// ID returns the region id of tile (row, col) at grid size g
func ID(g, row, col int) string {
	if g == 1 {
		return types.GlobalRegion
	}
	return fmt.Sprintf("g%d-r%d-c%d", g, row, col)
}

// ParseID is the inverse of ID. It reports false for ids ID never produces.
func ParseID(id string) (g, row, col int, ok bool) {
	if id == types.GlobalRegion {
		return 1, 0, 0, true
	}
	if _, err := fmt.Sscanf(id, "g%d-r%d-c%d", &g, &row, &col); err != nil {
		return 0, 0, 0, false
	}
	if g < 2 || row < 0 || col < 0 || row >= g || col >= g || ID(g, row, col) != id {
		return 0, 0, 0, false
	}
	return g, row, col, true
}

// Extract labels every tile of every configured grid and merges the result
// by region id. Any tile or encoder failure aborts the whole extraction.
func (e *Extractor) Extract(ctx context.Context, img image.Image) (types.RegionMap, error) {
	tiles, err := e.Tiles(ctx, img)
	if err != nil {
		return nil, err
	}
	return Merge(tiles), nil
}

// Tiles returns every labeled tile in grid, row, column order
func (e *Extractor) Tiles(ctx context.Context, img image.Image) ([]Tile, error) {
	if err := e.config.Validate(); err != nil {
		return nil, err
	}
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrTileConversion)
	}

	start := time.Now()
	var tiles []Tile
	for _, g := range e.config.GridSizes {
		for row := 0; row < g; row++ {
			for col := 0; col < g; col++ {
				if err := ctx.Err(); err != nil {
					return nil, fmt.Errorf("%w: %w", ErrEncoderFailure, err)
				}

				t, err := e.labelTile(ctx, img, g, row, col)
				if err != nil {
					e.logger.Warn("tile extraction failed",
						zap.String("region", ID(g, row, col)),
						zap.Error(err))
					return nil, err
				}
				tiles = append(tiles, t)
			}
		}
	}

	e.logger.Debug("tiles labeled",
		zap.Int("tiles", len(tiles)),
		zap.Duration("duration", time.Since(start)))
	return tiles, nil
}

func (e *Extractor) labelTile(ctx context.Context, img image.Image, g, row, col int) (Tile, error) {
	rect := processing.TileRect(img.Bounds(), g, row, col)
	crop, err := e.processor.CropTile(img, rect)
	if err != nil {
		return Tile{}, fmt.Errorf("%w: %s %v: %w", ErrTileConversion, ID(g, row, col), rect, err)
	}

	vec, err := e.encoder.EmbedImage(ctx, crop)
	metrics.EncoderRequestsTotal.WithLabelValues(metrics.StatusLabel(err)).Inc()
	if err != nil {
		return Tile{}, fmt.Errorf("%w: %w", ErrEncoderFailure, err)
	}

	labels, err := e.labels.TopK(vec, e.config.TopK)
	if err != nil {
		return Tile{}, err
	}
	metrics.TilesTotal.Inc()

	tags := make([]string, 0, len(labels))
	for _, l := range labels {
		if l != "" {
			tags = append(tags, l)
		}
	}

	return Tile{
		Grid:   g,
		Row:    row,
		Col:    col,
		Region: ID(g, row, col),
		Rect:   rect,
		Tags:   tags,
	}, nil
}

// Merge groups tiles by region id, concatenating tag lists without
// removing duplicates. The result lists "global" first, then every other
// region id in lexicographic order.
func Merge(tiles []Tile) types.RegionMap {
	byRegion := make(map[string][]string)
	for _, t := range tiles {
		byRegion[t.Region] = append(byRegion[t.Region], t.Tags...)
	}

	ids := make([]string, 0, len(byRegion))
	for id := range byRegion {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i] == types.GlobalRegion || ids[j] == types.GlobalRegion {
			return ids[i] == types.GlobalRegion && ids[j] != types.GlobalRegion
		}
		return ids[i] < ids[j]
	})

	out := make(types.RegionMap, 0, len(ids))
	for _, id := range ids {
		out = append(out, types.RegionTag{Region: id, Tags: byRegion[id]})
	}
	return out
}
