package decoder

import "strings"

// Format families reported by both backends after normalization.
const (
	FormatEAN13 = "EAN-13"
	FormatEAN8  = "EAN-8"
	FormatUPCA  = "UPC-A"
	FormatUPCE  = "UPC-E"
)

// NormalizeFormat maps a backend-specific format tag ("ean_13", "EAN13",
// "EAN-13", "UPC_A", ...) onto an uppercase family name.
func NormalizeFormat(tag string) string {
	t := strings.ToUpper(strings.TrimSpace(tag))
	if t == "" {
		return ""
	}
	compact := strings.NewReplacer("-", "", "_", "", " ", "").Replace(t)
	switch compact {
	case "EAN13":
		return FormatEAN13
	case "EAN8":
		return FormatEAN8
	case "UPCA":
		return FormatUPCA
	case "UPCE":
		return FormatUPCE
	}
	return strings.ReplaceAll(t, "_", "-")
}

// IsProductFamily reports whether a normalized format belongs to EAN/UPC.
func IsProductFamily(format string) bool {
	switch format {
	case FormatEAN13, FormatEAN8, FormatUPCA, FormatUPCE:
		return true
	}
	return false
}
