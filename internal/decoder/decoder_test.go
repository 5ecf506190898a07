package decoder

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync/atomic"
	"testing"
	"time"
)

const zbarSample = `<barcodes xmlns='http://zbar.sourceforge.net/2008/barcode'>
<source href='frame.png'>
<index num='0'>
<symbol type='EAN-13' quality='1' orientation='UP'><polygon points='+10,20 +110,20 +110,60 +10,60'/><data><![CDATA[5901234123457]]></data></symbol>
<symbol type='UPC-E' quality='1'><polygon points='+300,40 +340,40 +340,70 +300,70'/><data><![CDATA[01234565]]></data></symbol>
</index>
</source>
</barcodes>`

func TestParseZbarXML(t *testing.T) {
	got, err := parseZbarXML([]byte(zbarSample))
	if err != nil {
		t.Fatalf("parseZbarXML: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Text != "5901234123457" || got[0].Format != FormatEAN13 {
		t.Errorf("first candidate = %+v", got[0])
	}
	if got[0].Box == nil || *got[0].Box != (Box{X: 10, Y: 20, Width: 100, Height: 40}) {
		t.Errorf("first box = %+v", got[0].Box)
	}
	if got[1].Format != FormatUPCE {
		t.Errorf("second format = %q", got[1].Format)
	}
}

func TestParseZbarXMLRejectsGarbage(t *testing.T) {
	if _, err := parseZbarXML([]byte("not xml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestParsePolygon(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"+1,2 +3,4", 2},
		{"1,2", 1},
		{"", 0},
		{"+1;2", 0},
		{"+a,2", 0},
	}
	for _, tt := range tests {
		if got := parsePolygon(tt.raw); len(got) != tt.want {
			t.Errorf("parsePolygon(%q) = %v, want %d points", tt.raw, got, tt.want)
		}
	}
}

func TestNormalizeFormat(t *testing.T) {
	tests := map[string]string{
		"EAN-13":  FormatEAN13,
		"ean_13":  FormatEAN13,
		"EAN13":   FormatEAN13,
		"ean 8":   FormatEAN8,
		"UPC_A":   FormatUPCA,
		"upc-e":   FormatUPCE,
		"qr_code": "QR-CODE",
	}
	for in, want := range tests {
		if got := NormalizeFormat(in); got != want {
			t.Errorf("NormalizeFormat(%q) = %q, want %q", in, got, want)
		}
	}
	if !IsProductFamily(FormatUPCA) || IsProductFamily("CODE-128") {
		t.Error("IsProductFamily misclassified")
	}
}

func TestCandidateCentroid(t *testing.T) {
	box := Box{X: 0, Y: 0, Width: 10, Height: 20}
	if p, ok := (Candidate{Box: &box}).Centroid(); !ok || p != (Point{X: 5, Y: 10}) {
		t.Errorf("box centroid = %v, %v", p, ok)
	}
	pts := Candidate{Points: []Point{{X: 0, Y: 0}, {X: 4, Y: 2}}}
	if p, ok := pts.Centroid(); !ok || p != (Point{X: 2, Y: 1}) {
		t.Errorf("point centroid = %v, %v", p, ok)
	}
	if _, ok := (Candidate{}).Centroid(); ok {
		t.Error("empty candidate should have no centroid")
	}
}

func TestBoxGeometry(t *testing.T) {
	a := Box{X: 0, Y: 0, Width: 10, Height: 10}
	if !a.Intersects(Box{X: 5, Y: 5, Width: 10, Height: 10}) {
		t.Error("overlapping boxes should intersect")
	}
	if a.Intersects(Box{X: 10, Y: 0, Width: 5, Height: 5}) {
		t.Error("edge-touching boxes should not intersect")
	}
	if !a.Contains(Point{X: 10, Y: 10}) {
		t.Error("edge point should be contained")
	}
	if !a.Expand(2).Contains(Point{X: -2, Y: 12}) {
		t.Error("expanded box should contain margin point")
	}
}

type fakeRunner struct {
	out  []byte
	err  error
	args []string
}

func (f *fakeRunner) Output(_ context.Context, _ string, args ...string) ([]byte, error) {
	f.args = args
	return f.out, f.err
}

func testFrame() image.Image {
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	img.Set(1, 1, color.Black)
	return img
}

func TestNativeDecodeFrame(t *testing.T) {
	runner := &fakeRunner{out: []byte(zbarSample)}
	n := NewNative("", nil)
	n.runner = runner
	defer n.Reset()

	got := n.DecodeFrame(context.Background(), testFrame())
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if len(runner.args) == 0 || runner.args[0] != "--xml" {
		t.Errorf("args = %v", runner.args)
	}
	if n.Kind() != KindNative {
		t.Errorf("kind = %q", n.Kind())
	}
}

func TestNativeDecodeFrameFailureIsEmpty(t *testing.T) {
	n := NewNative("zbarimg", nil)
	n.runner = &fakeRunner{err: errors.New("boom")}
	defer n.Reset()
	if got := n.DecodeFrame(context.Background(), testFrame()); got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

func TestNativeResetRemovesScratch(t *testing.T) {
	n := NewNative("zbarimg", nil)
	n.runner = &fakeRunner{out: []byte("<barcodes/>")}
	n.DecodeFrame(context.Background(), testFrame())
	if n.scratch == "" {
		t.Fatal("scratch dir should exist after a decode")
	}
	n.Reset()
	if n.scratch != "" {
		t.Error("scratch dir should be cleared")
	}
}

func TestFallbackBlankFrame(t *testing.T) {
	f := NewFallback(nil)
	if got := f.DecodeFrame(context.Background(), testFrame()); len(got) != 0 {
		t.Errorf("blank frame decoded to %v", got)
	}
	f.Reset()
	f.Reset()
	if f.Resets() != 2 {
		t.Errorf("resets = %d", f.Resets())
	}
	// Decoding after a reset rebuilds the readers.
	f.DecodeFrame(context.Background(), testFrame())
	if f.Kind() != KindFallback {
		t.Errorf("kind = %q", f.Kind())
	}
}

func TestProbe(t *testing.T) {
	found := func(string) (string, error) { return "/usr/bin/zbarimg", nil }
	missing := func(string) (string, error) { return "", errors.New("not found") }

	tests := []struct {
		name   string
		prefer string
		look   func(string) (string, error)
		want   Kind
	}{
		{"auto with zbar", PreferAuto, found, KindNative},
		{"auto without zbar", PreferAuto, missing, KindFallback},
		{"forced fallback", PreferFallback, found, KindFallback},
		{"native unavailable", PreferNative, missing, KindFallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Probe(ProbeOptions{Prefer: tt.prefer, LookPath: tt.look})
			if d.Kind() != tt.want {
				t.Errorf("kind = %q, want %q", d.Kind(), tt.want)
			}
		})
	}
}

func TestValidatePreference(t *testing.T) {
	for _, p := range []string{"", "auto", "Native", "fallback"} {
		if err := ValidatePreference(p); err != nil {
			t.Errorf("ValidatePreference(%q): %v", p, err)
		}
	}
	if ValidatePreference("gpu") == nil {
		t.Error("expected error for unknown preference")
	}
}

type slowDecoder struct {
	delay time.Duration
	calls atomic.Int32
}

func (s *slowDecoder) Kind() Kind { return KindNative }
func (s *slowDecoder) Reset()     {}
func (s *slowDecoder) DecodeFrame(ctx context.Context, _ image.Image) []Candidate {
	s.calls.Add(1)
	select {
	case <-time.After(s.delay):
		return []Candidate{{Text: "12345678"}}
	case <-ctx.Done():
		return nil
	}
}

func TestDecodeWithTimeout(t *testing.T) {
	fast := &slowDecoder{delay: time.Millisecond}
	got, ok := DecodeWithTimeout(context.Background(), fast, testFrame(), time.Second)
	if !ok || len(got) != 1 {
		t.Fatalf("fast decode = %v, %v", got, ok)
	}

	slow := &slowDecoder{delay: time.Second}
	start := time.Now()
	got, ok = DecodeWithTimeout(context.Background(), slow, testFrame(), 20*time.Millisecond)
	if ok || got != nil {
		t.Fatalf("slow decode = %v, %v; want timeout", got, ok)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("timeout did not bound the attempt")
	}
}

// stubbornDecoder ignores cancellation.
type stubbornDecoder struct {
	delay time.Duration
}

func (s *stubbornDecoder) Kind() Kind { return KindNative }
func (s *stubbornDecoder) Reset()     {}
func (s *stubbornDecoder) DecodeFrame(context.Context, image.Image) []Candidate {
	time.Sleep(s.delay)
	return nil
}

func TestDecodeBoundedReportsWhenAbandonedCallReturns(t *testing.T) {
	stuck := &stubbornDecoder{delay: 150 * time.Millisecond}
	_, finished, ok := DecodeBounded(context.Background(), stuck, testFrame(), 20*time.Millisecond)
	if ok {
		t.Fatal("expected timeout")
	}
	select {
	case <-finished:
		t.Fatal("finished closed while the decoder is still running")
	default:
	}
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("finished never closed")
	}

	_, finished, ok = DecodeBounded(context.Background(), &slowDecoder{delay: time.Millisecond}, testFrame(), time.Second)
	if !ok {
		t.Fatal("fast decode timed out")
	}
	select {
	case <-finished:
	default:
		t.Error("finished open after a completed decode")
	}
}
