package processing

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// LabelFunc returns the caption drawn inside tile (row, col)
type LabelFunc func(row, col int) string

// CreateRegionOverlay draws the grid×grid tiling over a copy of img and
// writes label(row, col) in the top-left corner of every tile.
func (p *Processor) CreateRegionOverlay(img image.Image, grid int, label LabelFunc) image.Image {
	nrgba := imaging.Clone(img)
	if grid < 1 {
		return nrgba
	}
	b := nrgba.Bounds()
	w, h := b.Dx(), b.Dy()

	gold := color.NRGBA{255, 204, 0, 255}
	stroke := int(math.Max(2, 0.004*float64(min(w, h))))

	for row := 0; row < grid; row++ {
		for col := 0; col < grid; col++ {
			r := TileRect(b, grid, row, col)
			drawRect(nrgba, r, gold, stroke)
			if label != nil {
				if text := label(row, col); text != "" {
					drawLabel(nrgba, r.Min.X+stroke+2, r.Min.Y+stroke+2, text)
				}
			}
		}
	}
	return nrgba
}

func drawRect(img *image.NRGBA, r image.Rectangle, c color.NRGBA, stroke int) {
	if r.Empty() {
		return
	}
	for s := 0; s < stroke; s++ {
		drawHLine(img, r.Min.Y+s, r.Min.X, r.Max.X, c)
		drawHLine(img, r.Max.Y-1-s, r.Min.X, r.Max.X, c)
		drawVLine(img, r.Min.X+s, r.Min.Y, r.Max.Y, c)
		drawVLine(img, r.Max.X-1-s, r.Min.Y, r.Max.Y, c)
	}
}

// drawLabel writes text on a dark backing box with its top-left at (x, y)
func drawLabel(img *image.NRGBA, x, y int, text string) {
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: img, Src: image.NewUniform(color.White), Face: face}
	width := d.MeasureString(text).Ceil()
	box := image.Rect(x, y, x+width+4, y+face.Height+2).Intersect(img.Bounds())
	draw.Draw(img, box, image.NewUniform(color.NRGBA{0, 0, 0, 160}), image.Point{}, draw.Over)

	d.Dot = fixed.P(x+2, y+face.Ascent+1)
	d.DrawString(text)
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	b := img.Bounds()
	if y < b.Min.Y || y >= b.Max.Y {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	x0, x1 = max(x0, b.Min.X), min(x1, b.Max.X)
	for x := x0; x < x1; x++ {
		img.SetNRGBA(x, y, c)
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	b := img.Bounds()
	if x < b.Min.X || x >= b.Max.X {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	y0, y1 = max(y0, b.Min.Y), min(y1, b.Max.Y)
	for y := y0; y < y1; y++ {
		img.SetNRGBA(x, y, c)
	}
}
