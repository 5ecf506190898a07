// Package result validates decoded text and keeps the single current scan
// result.
package result

import (
	"strings"
	"sync"
	"time"

	"github.com/tiroq/skaner/internal/decoder"
)

// Length bounds for an accepted code.
const (
	DefaultMinDigits = 8
	DefaultMaxDigits = 18
)

// GenericLabel is used when neither the format tag nor the length
// identifies the symbology.
const GenericLabel = "EAN/UPC"

// Normalize drops every character that is not an ASCII digit.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		if c := text[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Label derives a friendly type label from the decoder's format tag, or
// from the digit count when the tag is not an EAN/UPC family.
func Label(code, formatTag string) string {
	if f := decoder.NormalizeFormat(formatTag); decoder.IsProductFamily(f) {
		return f
	}
	switch len(code) {
	case 13:
		return decoder.FormatEAN13
	case 8:
		return decoder.FormatEAN8
	case 12:
		return decoder.FormatUPCA
	case 6:
		return decoder.FormatUPCE
	}
	return GenericLabel
}

// ScanResult is the current accepted code.
type ScanResult struct {
	Code      string    `json:"code"`
	Type      string    `json:"type"`
	Format    string    `json:"format,omitempty"`
	Source    string    `json:"source,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
}

// Outcome is what Offer did with a reading.
type Outcome int

const (
	// Rejected: the digit count is out of range; nothing changed.
	Rejected Outcome = iota
	// Duplicate: same as the current result; nothing changed.
	Duplicate
	// Reoffered: same as the current result, passed on again without feedback.
	Reoffered
	// Accepted: a new current result; feedback is due.
	Accepted
)

func (o Outcome) String() string {
	switch o {
	case Rejected:
		return "rejected"
	case Duplicate:
		return "duplicate"
	case Reoffered:
		return "reoffered"
	case Accepted:
		return "accepted"
	}
	return "unknown"
}

// Options configures a Debouncer.
type Options struct {
	MinDigits int
	MaxDigits int
	// ContinuousReoffer reports repeats of the current code as Reoffered
	// instead of Duplicate.
	ContinuousReoffer bool
	Now               func() time.Time
}

// Debouncer holds the one live ScanResult and filters new readings
// against it.
type Debouncer struct {
	opts Options

	mu      sync.Mutex
	current *ScanResult
}

func NewDebouncer(opts Options) *Debouncer {
	if opts.MinDigits <= 0 {
		opts.MinDigits = DefaultMinDigits
	}
	if opts.MaxDigits <= 0 {
		opts.MaxDigits = DefaultMaxDigits
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Debouncer{opts: opts}
}

// Valid reports whether a normalized code has an acceptable length.
func (d *Debouncer) Valid(code string) bool {
	return len(code) >= d.opts.MinDigits && len(code) <= d.opts.MaxDigits
}

// Offer normalizes text and compares it to the current result. The
// returned ScanResult is the current one after the call.
func (d *Debouncer) Offer(text, formatTag, source string) (ScanResult, Outcome) {
	code := Normalize(text)

	d.mu.Lock()
	defer d.mu.Unlock()

	var cur ScanResult
	if d.current != nil {
		cur = *d.current
	}
	if !d.Valid(code) {
		return cur, Rejected
	}
	if d.current != nil && d.current.Code == code {
		if d.opts.ContinuousReoffer {
			return cur, Reoffered
		}
		return cur, Duplicate
	}

	next := ScanResult{
		Code:      code,
		Type:      Label(code, formatTag),
		Format:    decoder.NormalizeFormat(formatTag),
		Source:    source,
		FirstSeen: d.opts.Now(),
	}
	d.current = &next
	return next, Accepted
}

// Current returns the live result, if any.
func (d *Debouncer) Current() (ScanResult, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return ScanResult{}, false
	}
	return *d.current, true
}

// Clear drops the live result.
func (d *Debouncer) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = nil
}
