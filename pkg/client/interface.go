package client

import (
	"context"
	"image"
)

// ImageEncoder maps an image into the shared embedding space
type ImageEncoder interface {
	EmbedImage(ctx context.Context, img image.Image) ([]float32, error)
}

// TextEncoder maps label texts into the shared embedding space, one vector per input
type TextEncoder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// ImageEncoderFunc adapts a function to ImageEncoder
type ImageEncoderFunc func(ctx context.Context, img image.Image) ([]float32, error)

func (f ImageEncoderFunc) EmbedImage(ctx context.Context, img image.Image) ([]float32, error) {
	return f(ctx, img)
}
