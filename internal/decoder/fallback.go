package decoder

import (
	"context"
	"image"
	"log/slog"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/oned"

	"github.com/tiroq/skaner/internal/logging"
)

// Fallback decodes frames with the gozxing one-dimensional readers. The
// readers report only their single best match, so DecodeFrame returns at
// most one candidate, located by its result points rather than a box.
type Fallback struct {
	logger *slog.Logger

	mu      sync.Mutex
	readers []gozxing.Reader
	hints   map[gozxing.DecodeHintType]interface{}
	resets  int
}

// NewFallback builds the reader set once; it is reused for every frame.
func NewFallback(logger *slog.Logger) *Fallback {
	f := &Fallback{logger: logging.NewComponentLogger(logger, "decoder-fallback")}
	f.init()
	return f
}

func (f *Fallback) init() {
	f.readers = []gozxing.Reader{
		oned.NewEAN13Reader(),
		oned.NewEAN8Reader(),
		oned.NewUPCAReader(),
		oned.NewUPCEReader(),
	}
	f.hints = map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_POSSIBLE_FORMATS: []gozxing.BarcodeFormat{
			gozxing.BarcodeFormat_EAN_13,
			gozxing.BarcodeFormat_EAN_8,
			gozxing.BarcodeFormat_UPC_A,
			gozxing.BarcodeFormat_UPC_E,
		},
		gozxing.DecodeHintType_TRY_HARDER: true,
	}
}

func (f *Fallback) Kind() Kind { return KindFallback }

// DecodeFrame runs the readers in order and returns the first hit.
func (f *Fallback) DecodeFrame(ctx context.Context, img image.Image) []Candidate {
	if img == nil || ctx.Err() != nil {
		return nil
	}

	gray := imaging.Grayscale(img)
	gray = imaging.AdjustContrast(gray, 20)

	bmp, err := gozxing.NewBinaryBitmapFromImage(gray)
	if err != nil {
		f.logger.Debug("fallback decoder could not binarize frame", logging.Error(err))
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readers == nil {
		f.init()
	}
	for _, reader := range f.readers {
		if ctx.Err() != nil {
			return nil
		}
		res, err := reader.Decode(bmp, f.hints)
		if err != nil || res == nil {
			continue
		}
		c := Candidate{
			Text:   res.GetText(),
			Format: gozxingFormat(res.GetBarcodeFormat()),
		}
		for _, p := range res.GetResultPoints() {
			c.Points = append(c.Points, Point{X: p.GetX(), Y: p.GetY()})
		}
		return []Candidate{c}
	}
	return nil
}

// Reset drops the readers and their row buffers. A later DecodeFrame
// rebuilds them.
func (f *Fallback) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.readers {
		r.Reset()
	}
	f.readers = nil
	f.resets++
}

// Resets reports how many times Reset was called.
func (f *Fallback) Resets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

func gozxingFormat(format gozxing.BarcodeFormat) string {
	switch format {
	case gozxing.BarcodeFormat_EAN_13:
		return FormatEAN13
	case gozxing.BarcodeFormat_EAN_8:
		return FormatEAN8
	case gozxing.BarcodeFormat_UPC_A:
		return FormatUPCA
	case gozxing.BarcodeFormat_UPC_E:
		return FormatUPCE
	default:
		return "UNKNOWN"
	}
}
