// Package extraction runs the full semantic extraction of a post: region
// tags, caption, and the composite generation prompt. The result is applied
// to the post atomically and handed to a publisher exactly once, on the
// fallback path too.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/menta2k/image-semantics/internal/metrics"
	"github.com/menta2k/image-semantics/pkg/caption"
	"github.com/menta2k/image-semantics/pkg/client"
	"github.com/menta2k/image-semantics/pkg/prompt"
	"github.com/menta2k/image-semantics/pkg/region"
	"github.com/menta2k/image-semantics/pkg/tagger"
	"github.com/menta2k/image-semantics/pkg/types"
	"github.com/menta2k/image-semantics/pkg/upload"
)

var (
	ErrNoImage           = errors.New("extraction: post has no image")
	ErrEncoderRequired   = errors.New("extraction: image encoder is required")
	ErrTaggersRequired   = errors.New("extraction: tagger set is required")
	ErrPublisherRequired = errors.New("extraction: publisher is required")
	errNoObjectTags      = errors.New("extraction: no object tags")
)

// DefaultFallbackPrompt is the prompt of a post whose extraction degraded
const DefaultFallbackPrompt = "simple scene"

// Config holds orchestration parameters
type Config struct {
	Region         region.Config
	StyleTopK      int
	CaptionTopK    int
	Objects        prompt.Config
	Caption        caption.Config
	FallbackPrompt string
	PoolSize       int
}

// DefaultConfig returns the reference pipeline settings
func DefaultConfig() Config {
	return Config{
		Region:         region.DefaultConfig(),
		StyleTopK:      3,
		CaptionTopK:    1,
		Objects:        prompt.ObjectConfig(),
		Caption:        caption.DefaultConfig(),
		FallbackPrompt: DefaultFallbackPrompt,
		PoolSize:       max(runtime.NumCPU()/2, 1),
	}
}

// RegionExtractor produces the region map of an image
type RegionExtractor interface {
	Extract(ctx context.Context, img image.Image) (types.RegionMap, error)
}

// Orchestrator sequences the extraction stages
type Orchestrator struct {
	encoder   client.ImageEncoder
	extractor RegionExtractor
	styles    tagger.Querier
	contexts  tagger.Querier
	composer  *caption.Composer
	objects   *prompt.Synthesizer
	publisher upload.Publisher
	pool      *ants.Pool
	config    Config
	logger    *zap.Logger
}

// Option configures an Orchestrator
type Option func(*Orchestrator) error

// WithConfig replaces the default configuration
func WithConfig(c Config) Option {
	return func(o *Orchestrator) error {
		o.config = c
		return nil
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) error {
		if l != nil {
			o.logger = l
		}
		return nil
	}
}

// WithRegionExtractor replaces the tiling extractor
func WithRegionExtractor(e RegionExtractor) Option {
	return func(o *Orchestrator) error {
		o.extractor = e
		return nil
	}
}

// New creates an orchestrator. Object tags come from the KindObject tagger
// of taggers, style and caption-context tags from KindStyle and KindCaption.
func New(encoder client.ImageEncoder, taggers *tagger.Set, publisher upload.Publisher, opts ...Option) (*Orchestrator, error) {
	if encoder == nil {
		return nil, ErrEncoderRequired
	}
	if taggers == nil {
		return nil, ErrTaggersRequired
	}
	if publisher == nil {
		return nil, ErrPublisherRequired
	}

	o := &Orchestrator{
		encoder:   encoder,
		styles:    taggers.Querier(tagger.KindStyle),
		contexts:  taggers.Querier(tagger.KindCaption),
		publisher: publisher,
		config:    DefaultConfig(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	if o.config.FallbackPrompt == "" {
		o.config.FallbackPrompt = DefaultFallbackPrompt
	}
	if o.config.Caption == (caption.Config{}) {
		o.config.Caption = caption.DefaultConfig()
	}
	o.composer = caption.NewWithConfig(o.config.Caption)
	o.objects = prompt.NewWithConfig(o.config.Objects)
	if o.extractor == nil {
		o.extractor = region.New(encoder, taggers.Querier(tagger.KindObject),
			region.WithConfig(o.config.Region),
			region.WithLogger(o.logger.Named("region")))
	}

	pool, err := ants.NewPool(max(o.config.PoolSize, 1))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	o.pool = pool

	return o, nil
}

// Release stops the worker pool. Pending async work is dropped.
func (o *Orchestrator) Release() {
	o.pool.Release()
}

// Process extracts the annotation of post, applies it in one step and
// publishes it. Extraction failures degrade to the fallback annotation and
// are not returned; only a missing image or a publish failure is an error.
func (o *Orchestrator) Process(ctx context.Context, post *types.Post) (types.Annotation, error) {
	if post == nil || post.Image == nil {
		return types.Annotation{}, ErrNoImage
	}

	log := o.logger.With(zap.String("post_id", post.ID))
	post.SetStatus(types.StatusProcessing)
	start := time.Now()
	log.Info("semantic extraction started")

	a, err := o.Annotate(ctx, post.Image)
	a.PostID = post.ID
	outcome := "completed"
	if err != nil {
		outcome = "fallback"
		log.Warn("semantic extraction degraded, using fallback", zap.Error(err))
	}
	metrics.ExtractionsTotal.WithLabelValues(outcome).Inc()

	post.Annotate(a)

	pubStart := time.Now()
	perr := o.publisher.Publish(ctx, a)
	metrics.StageDuration.WithLabelValues(metrics.StagePublish).Observe(time.Since(pubStart).Seconds())
	metrics.PublishTotal.WithLabelValues(metrics.StatusLabel(perr)).Inc()
	if perr != nil {
		if !errors.Is(perr, upload.ErrUploadFailure) {
			perr = fmt.Errorf("%w: %w", upload.ErrUploadFailure, perr)
		}
		log.Error("annotation publish failed", zap.Error(perr))
		return a, perr
	}

	log.Info("semantic extraction finished",
		zap.String("outcome", outcome),
		zap.Int("regions", len(a.RegionTags)),
		zap.Duration("duration", time.Since(start)))
	return a, nil
}

// Annotate runs the extraction stages on img without touching any post.
// It always returns a usable annotation; a non-nil error says which stage
// forced the fallback prompt.
func (o *Orchestrator) Annotate(ctx context.Context, img image.Image) (types.Annotation, error) {
	fallback := types.Annotation{SemanticPrompt: o.config.FallbackPrompt, Degraded: true}

	stage := time.Now()
	regions, err := o.extractor.Extract(ctx, img)
	metrics.StageDuration.WithLabelValues(metrics.StageRegions).Observe(time.Since(stage).Seconds())
	if err != nil {
		return fallback, fmt.Errorf("region extraction: %w", err)
	}

	stage = time.Now()
	text, err := o.composer.Compose(regions)
	metrics.StageDuration.WithLabelValues(metrics.StageCaption).Observe(time.Since(stage).Seconds())
	if err != nil {
		o.logger.Warn("caption generation failed", zap.Error(err))
		text = ""
	}

	fallback.RegionTags = regions
	fallback.Caption = text

	stage = time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues(metrics.StagePrompt).Observe(time.Since(stage).Seconds())
	}()

	objects := o.objects.Rank(regions.FlatTags())
	if len(objects) == 0 {
		return fallback, errNoObjectTags
	}

	vec, err := o.encoder.EmbedImage(ctx, img)
	metrics.EncoderRequestsTotal.WithLabelValues(metrics.StatusLabel(err)).Inc()
	if err != nil {
		return fallback, fmt.Errorf("whole-image embedding: %w: %w", region.ErrEncoderFailure, err)
	}

	styles := o.query(o.styles, tagger.KindStyle, vec, o.config.StyleTopK)
	contexts := o.query(o.contexts, tagger.KindCaption, vec, o.config.CaptionTopK)

	return types.Annotation{
		RegionTags:     regions,
		Caption:        text,
		SemanticPrompt: prompt.Join(styles, objects, contexts),
	}, nil
}

// query returns the top-K labels of one vocabulary. A failing index only
// drops its own group from the prompt.
func (o *Orchestrator) query(q tagger.Querier, kind tagger.Kind, vec []float32, k int) []string {
	if k < 1 {
		return nil
	}
	labels, err := q.TopK(vec, k)
	if err != nil {
		o.logger.Error("vocabulary query failed", zap.String("vocabulary", string(kind)), zap.Error(err))
		return nil
	}
	return labels
}

// ProcessAsync runs Process on the worker pool and calls done with its result
func (o *Orchestrator) ProcessAsync(ctx context.Context, post *types.Post, done func(types.Annotation, error)) error {
	return o.pool.Submit(func() {
		a, err := o.Process(ctx, post)
		if done != nil {
			done(a, err)
		}
	})
}

// Result is the outcome of one post in a batch
type Result struct {
	PostID     string
	Annotation types.Annotation
	Err        error
}

// ProcessBatch processes posts concurrently on the worker pool and returns
// results in input order.
func (o *Orchestrator) ProcessBatch(ctx context.Context, posts []*types.Post) []Result {
	results := make([]Result, len(posts))
	var wg sync.WaitGroup
	for i, p := range posts {
		if p != nil {
			results[i].PostID = p.ID
		}
		wg.Add(1)
		err := o.pool.Submit(func() {
			defer wg.Done()
			results[i].Annotation, results[i].Err = o.Process(ctx, p)
		})
		if err != nil {
			wg.Done()
			results[i].Err = fmt.Errorf("submit: %w", err)
		}
	}
	wg.Wait()
	return results
}
