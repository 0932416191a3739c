package capture

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"image"
	"image/jpeg"
	"math"
	"time"

	"github.com/dkeye/Helpline/internal/domain"
	"golang.org/x/image/draw"
)

const (
	MaxWidth    = 1280
	MaxHeight   = 720
	JPEGQuality = 60
	// sampleBudget bounds how many pixels feed the color statistics.
	sampleBudget = 50000
)

var ErrEmptyFrame = errors.New("capture: empty frame")

// FitWithin scales w×h down to fit MaxWidth×MaxHeight, keeping the aspect
// ratio. Frames that already fit are returned unchanged.
func FitWithin(w, h int) (int, int) {
	scale := math.Min(1, math.Min(float64(MaxWidth)/float64(w), float64(MaxHeight)/float64(h)))
	tw := max(1, int(math.Round(float64(w)*scale)))
	th := max(1, int(math.Round(float64(h)*scale)))
	return tw, th
}

// Encode downscales src, computes its color statistics and JPEG-encodes it.
func Encode(src image.Image, capturedAt time.Time) (*domain.CaptureFrame, error) {
	b := src.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, ErrEmptyFrame
	}
	tw, th := FitWithin(b.Dx(), b.Dy())
	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	if tw == b.Dx() && th == b.Dy() {
		draw.Copy(dst, image.Point{}, src, b, draw.Src, nil)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	}

	avg, variance := colorStats(dst.Pix, tw*th)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, err
	}
	raw := buf.Bytes()
	sum := sha1.Sum(raw)

	return &domain.CaptureFrame{
		Width:        tw,
		Height:       th,
		ByteLength:   len(raw),
		Digest:       hex.EncodeToString(sum[:]),
		AverageColor: avg,
		Variance:     variance,
		Base64:       base64.StdEncoding.EncodeToString(raw),
		CapturedAt:   capturedAt,
	}, nil
}

// colorStats walks every step-th RGBA pixel, step = max(1, floor(n/sampleBudget)).
// Variance is the mean squared RGB distance from the rounded mean, to 2 decimals.
func colorStats(pix []uint8, n int) (domain.Color, float64) {
	step := max(1, n/sampleBudget)
	var rt, gt, bt, samples int
	for i := 0; i+2 < len(pix); i += 4 * step {
		rt += int(pix[i])
		gt += int(pix[i+1])
		bt += int(pix[i+2])
		samples++
	}
	if samples == 0 {
		return domain.Color{}, 0
	}
	avg := domain.Color{
		R: int(math.Round(float64(rt) / float64(samples))),
		G: int(math.Round(float64(gt) / float64(samples))),
		B: int(math.Round(float64(bt) / float64(samples))),
	}
	var acc int
	for i := 0; i+2 < len(pix); i += 4 * step {
		dr := int(pix[i]) - avg.R
		dg := int(pix[i+1]) - avg.G
		db := int(pix[i+2]) - avg.B
		acc += dr*dr + dg*dg + db*db
	}
	v := math.Round(float64(acc)/float64(samples)*100) / 100
	return avg, v
}
