package decoder

import (
	"context"
	"encoding/xml"
	"errors"
	"image"
	"image/png"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/tiroq/skaner/internal/logging"
)

// zbarimg exits with this status when the image holds no symbol.
const zbarNoSymbols = 4

type commandRunner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execCommandRunner struct{}

func (execCommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	return cmd.Output()
}

// Native decodes frames with the ZBar command line tool. ZBar reports every
// symbol in the frame, so a single call may yield several candidates.
type Native struct {
	binary string
	runner commandRunner
	logger *slog.Logger

	mu      sync.Mutex
	scratch string
}

// NewNative returns a ZBar-backed decoder. binary defaults to "zbarimg".
func NewNative(binary string, logger *slog.Logger) *Native {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "zbarimg"
	}
	return &Native{
		binary: binary,
		runner: execCommandRunner{},
		logger: logging.NewComponentLogger(logger, "decoder-native"),
	}
}

func (n *Native) Kind() Kind { return KindNative }

// DecodeFrame writes the frame to a scratch PNG and parses zbarimg's XML
// report. Any failure yields no candidates.
func (n *Native) DecodeFrame(ctx context.Context, img image.Image) []Candidate {
	if img == nil || ctx.Err() != nil {
		return nil
	}
	path, err := n.writeFrame(img)
	if err != nil {
		n.logger.Debug("native decoder could not stage frame", logging.Error(err))
		return nil
	}
	defer os.Remove(path)

	args := []string{
		"--xml", "-q",
		"-Sdisable",
		"-Sean13.enable", "-Sean8.enable", "-Supca.enable", "-Supce.enable",
		path,
	}
	out, err := n.runner.Output(ctx, n.binary, args...)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == zbarNoSymbols {
			return nil
		}
		n.logger.Debug("zbarimg failed", logging.Error(err))
		return nil
	}
	candidates, err := parseZbarXML(out)
	if err != nil {
		n.logger.Debug("zbarimg output unreadable", logging.Error(err))
		return nil
	}
	return candidates
}

// Reset removes the scratch directory.
func (n *Native) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.scratch != "" {
		_ = os.RemoveAll(n.scratch)
		n.scratch = ""
	}
}

func (n *Native) writeFrame(img image.Image) (string, error) {
	n.mu.Lock()
	if n.scratch == "" {
		dir, err := os.MkdirTemp("", "skaner-zbar-*")
		if err != nil {
			n.mu.Unlock()
			return "", err
		}
		n.scratch = dir
	}
	dir := n.scratch
	n.mu.Unlock()

	f, err := os.CreateTemp(dir, "frame-*.png")
	if err != nil {
		return "", err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return filepath.Clean(f.Name()), nil
}

type zbarDocument struct {
	XMLName xml.Name     `xml:"barcodes"`
	Sources []zbarSource `xml:"source"`
}

type zbarSource struct {
	Indexes []zbarIndex `xml:"index"`
}

type zbarIndex struct {
	Symbols []zbarSymbol `xml:"symbol"`
}

type zbarSymbol struct {
	Type    string      `xml:"type,attr"`
	Data    string      `xml:"data"`
	Polygon zbarPolygon `xml:"polygon"`
}

type zbarPolygon struct {
	Points string `xml:"points,attr"`
}

func parseZbarXML(data []byte) ([]Candidate, error) {
	var doc zbarDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	var out []Candidate
	for _, src := range doc.Sources {
		for _, idx := range src.Indexes {
			for _, sym := range idx.Symbols {
				c := Candidate{
					Text:   strings.TrimSpace(sym.Data),
					Format: NormalizeFormat(sym.Type),
				}
				if pts := parsePolygon(sym.Polygon.Points); len(pts) > 0 {
					if box, ok := BoundingBox(pts); ok {
						c.Box = &box
					}
				}
				out = append(out, c)
			}
		}
	}
	return out, nil
}

// parsePolygon reads zbar's "+x,y +x,y ..." polygon notation.
func parsePolygon(raw string) []Point {
	fields := strings.Fields(raw)
	points := make([]Point, 0, len(fields))
	for _, f := range fields {
		xs, ys, ok := strings.Cut(strings.TrimPrefix(f, "+"), ",")
		if !ok {
			return nil
		}
		x, errX := strconv.ParseFloat(xs, 64)
		y, errY := strconv.ParseFloat(strings.TrimPrefix(ys, "+"), 64)
		if errX != nil || errY != nil {
			return nil
		}
		points = append(points, Point{X: x, Y: y})
	}
	return points
}
