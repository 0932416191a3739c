package capture

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/dkeye/Helpline/internal/domain"
)

func uniform(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, 255
	}
	return img
}

func TestFitWithin(t *testing.T) {
	cases := []struct{ w, h, tw, th int }{
		{1920, 1080, 1280, 720},
		{1280, 720, 1280, 720},
		{640, 480, 640, 480},
		{3000, 1000, 1280, 427},
		{800, 2000, 288, 720},
		{5000, 1, 1280, 1},
		{1, 1, 1, 1},
	}
	for _, c := range cases {
		tw, th := FitWithin(c.w, c.h)
		if tw != c.tw || th != c.th {
			t.Errorf("FitWithin(%d, %d) = %d×%d, want %d×%d", c.w, c.h, tw, th, c.tw, c.th)
		}
	}
}

func TestEncodeUniformFrame(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f, err := Encode(uniform(1920, 1080, color.RGBA{R: 10, G: 120, B: 200}), at)
	if err != nil {
		t.Fatal(err)
	}
	if f.Width != 1280 || f.Height != 720 {
		t.Fatalf("size %d×%d", f.Width, f.Height)
	}
	if f.AverageColor != (domain.Color{R: 10, G: 120, B: 200}) {
		t.Fatalf("average %+v", f.AverageColor)
	}
	if f.Variance != 0 {
		t.Fatalf("variance %v", f.Variance)
	}
	if !f.CapturedAt.Equal(at) {
		t.Fatalf("capturedAt %v", f.CapturedAt)
	}

	raw, err := base64.StdEncoding.DecodeString(f.Base64)
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	if len(raw) != f.ByteLength {
		t.Fatalf("byte length %d, decoded %d", f.ByteLength, len(raw))
	}
	sum := sha1.Sum(raw)
	if f.Digest != hex.EncodeToString(sum[:]) {
		t.Fatal("digest does not match encoded bytes")
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("not a jpeg: %v", err)
	}
	if cfg.Width != 1280 || cfg.Height != 720 {
		t.Fatalf("jpeg size %d×%d", cfg.Width, cfg.Height)
	}
}

func TestColorStatsVariance(t *testing.T) {
	// black and white: mean rounds to 128, distances -128 and 127 per channel
	pix := []uint8{0, 0, 0, 255, 255, 255, 255, 255}
	avg, v := colorStats(pix, 2)
	if avg != (domain.Color{R: 128, G: 128, B: 128}) {
		t.Fatalf("average %+v", avg)
	}
	if v != 48769.5 {
		t.Fatalf("variance %v, want 48769.5", v)
	}
}

func TestColorStatsStride(t *testing.T) {
	// 100000 pixels gives a stride of 2: only even pixels are sampled
	n := 100000
	pix := make([]uint8, 4*n)
	for i := 0; i < n; i++ {
		if i%2 == 1 {
			pix[4*i], pix[4*i+1], pix[4*i+2] = 255, 255, 255
		}
	}
	avg, v := colorStats(pix, n)
	if avg != (domain.Color{}) || v != 0 {
		t.Fatalf("average %+v variance %v, want odd pixels skipped", avg, v)
	}
}

func TestEncodeEmpty(t *testing.T) {
	if _, err := Encode(image.NewRGBA(image.Rectangle{}), time.Now()); err != ErrEmptyFrame {
		t.Fatalf("err = %v", err)
	}
}
