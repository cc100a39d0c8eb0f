package processing

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// createTestImage creates a four-quadrant test image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			switch {
			case x < width/2 && y < height/2:
				img.Set(x, y, color.RGBA{255, 0, 0, 255})
			case y < height/2:
				img.Set(x, y, color.RGBA{0, 255, 0, 255})
			case x < width/2:
				img.Set(x, y, color.RGBA{0, 0, 255, 255})
			default:
				img.Set(x, y, color.RGBA{255, 255, 255, 255})
			}
		}
	}
	return img
}

func TestTileRect(t *testing.T) {
	bounds := image.Rect(0, 0, 101, 51)

	tests := []struct {
		grid, row, col int
		want           image.Rectangle
	}{
		{1, 0, 0, image.Rect(0, 0, 101, 51)},
		{2, 0, 0, image.Rect(0, 0, 50, 25)},
		{2, 0, 1, image.Rect(50, 0, 100, 25)},
		{2, 1, 0, image.Rect(0, 25, 50, 50)},
		{2, 1, 1, image.Rect(50, 25, 100, 50)},
	}

	for _, tt := range tests {
		got := TileRect(bounds, tt.grid, tt.row, tt.col)
		if got != tt.want {
			t.Errorf("TileRect(grid=%d, r=%d, c=%d) = %v, want %v", tt.grid, tt.row, tt.col, got, tt.want)
		}
	}
}

func TestTileRectOffsetBounds(t *testing.T) {
	got := TileRect(image.Rect(10, 20, 30, 40), 2, 1, 1)
	want := image.Rect(20, 30, 30, 40)
	if got != want {
		t.Errorf("TileRect = %v, want %v", got, want)
	}
}

func TestCropTile(t *testing.T) {
	p := NewProcessor()
	img := createTestImage(100, 100)

	tile, err := p.CropTile(img, TileRect(img.Bounds(), 2, 1, 1))
	if err != nil {
		t.Fatalf("CropTile() error = %v", err)
	}
	if tile.Bounds().Dx() != 50 || tile.Bounds().Dy() != 50 {
		t.Errorf("tile size = %v, want 50x50", tile.Bounds())
	}
	r, g, b, _ := tile.At(10, 10).RGBA()
	if r>>8 != 255 || g>>8 != 255 || b>>8 != 255 {
		t.Errorf("lower-right tile should be white, got %d,%d,%d", r>>8, g>>8, b>>8)
	}
}

func TestCropTileEmpty(t *testing.T) {
	p := NewProcessor()
	img := createTestImage(1, 1)

	if _, err := p.CropTile(img, TileRect(img.Bounds(), 2, 0, 0)); err != ErrEmptyTile {
		t.Errorf("CropTile() error = %v, want ErrEmptyTile", err)
	}
}

func TestPrepareImageForModel(t *testing.T) {
	p := NewProcessor()
	img := createTestImage(400, 200)

	b64, err := p.PrepareImageForModel(img, "png", 100, 90)
	if err != nil {
		t.Fatalf("PrepareImageForModel() error = %v", err)
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("payload is not base64: %v", err)
	}
	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("payload is not png: %v", err)
	}
	if decoded.Bounds().Dx() != 100 || decoded.Bounds().Dy() != 50 {
		t.Errorf("resized to %v, want 100x50", decoded.Bounds())
	}

	if _, err := p.PrepareImageForModel(img, "jpg", 0, 80); err != nil {
		t.Errorf("jpeg payload error = %v", err)
	}
}

func TestDataURL(t *testing.T) {
	if got := DataURL("png", "AAA"); got != "data:image/png;base64,AAA" {
		t.Errorf("DataURL(png) = %s", got)
	}
	if got := DataURL("jpg", "AAA"); got != "data:image/jpeg;base64,AAA" {
		t.Errorf("DataURL(jpg) = %s", got)
	}
}

func TestSaveAndLoadImage(t *testing.T) {
	p := NewProcessor()
	dir := t.TempDir()
	img := createTestImage(32, 32)

	for _, format := range []string{"png", "jpg", "webp"} {
		path := filepath.Join(dir, "out."+format)
		if err := p.SaveImage(img, path, format, 90, true); err != nil {
			t.Fatalf("SaveImage(%s) error = %v", format, err)
		}
		loaded, err := p.LoadImage(path)
		if err != nil {
			t.Fatalf("LoadImage(%s) error = %v", format, err)
		}
		if loaded.Bounds().Dx() != 32 {
			t.Errorf("%s: width = %d, want 32", format, loaded.Bounds().Dx())
		}
	}
}

func TestLoadImageUnknownFormat(t *testing.T) {
	p := NewProcessor()
	path := filepath.Join(t.TempDir(), "junk.png")
	if err := os.WriteFile(path, []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := p.LoadImage(path); err == nil {
		t.Error("expected error for junk file")
	}
}

func TestLoadImageFromURL(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, createTestImage(8, 8)); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/text") {
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte("hello"))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	p := NewProcessor()
	img, err := p.LoadImageSmart(context.Background(), srv.URL+"/img.png")
	if err != nil {
		t.Fatalf("LoadImageSmart() error = %v", err)
	}
	if img.Bounds().Dx() != 8 {
		t.Errorf("width = %d, want 8", img.Bounds().Dx())
	}

	if _, err := p.LoadImageFromURL(context.Background(), srv.URL+"/text"); err == nil {
		t.Error("expected error for non-image content type")
	}
	if _, err := p.LoadImageFromURL(context.Background(), "ftp://example.com/a.png"); err == nil {
		t.Error("expected error for ftp scheme")
	}
}

func TestCreateRegionOverlay(t *testing.T) {
	p := NewProcessor()
	img := createTestImage(200, 200)

	var calls int
	out := p.CreateRegionOverlay(img, 2, func(row, col int) string {
		calls++
		return "cat, dog"
	})
	if calls != 4 {
		t.Errorf("label func called %d times, want 4", calls)
	}
	if out.Bounds() != img.Bounds() {
		t.Errorf("overlay bounds = %v, want %v", out.Bounds(), img.Bounds())
	}

	// grid line at the tile boundary is drawn in gold
	r, g, b, _ := out.At(100, 150).RGBA()
	if r>>8 != 255 || g>>8 != 204 || b>>8 != 0 {
		t.Errorf("expected grid line at x=100, got %d,%d,%d", r>>8, g>>8, b>>8)
	}

	// source untouched
	r, g, b, _ = img.At(100, 150).RGBA()
	if r>>8 != 255 || g>>8 != 255 || b>>8 != 255 {
		t.Error("overlay modified the source image")
	}
}
