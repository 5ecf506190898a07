package fileutil

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	illegalChars = regexp.MustCompile(`[\/\\:*?"<>|]`)
	whitespace   = regexp.MustCompile(`[\s_]+`)
)

// SanitizeForFilename makes input safe to embed in a file name.
func SanitizeForFilename(input string) string {
	sanitized := illegalChars.ReplaceAllString(input, "_")
	sanitized = whitespace.ReplaceAllString(sanitized, "-")
	sanitized = strings.Trim(sanitized, "-")

	if len(sanitized) > 50 {
		sanitized = strings.TrimRight(sanitized[:50], "-")
	}
	if sanitized == "" {
		return "scan"
	}
	return sanitized
}

// SnapshotBasename formats YYYY-MM-DD_HHMMSS_<code>.
func SnapshotBasename(at time.Time, code string) string {
	return at.Format("2006-01-02_150405") + "_" + SanitizeForFilename(code)
}

// uniquePath appends _2, _3, ... to base until no file with ext exists.
func uniquePath(dir, base, ext string) string {
	path := filepath.Join(dir, base+ext)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	for i := 2; i < 1000; i++ {
		try := filepath.Join(dir, base+"_"+strconv.Itoa(i)+ext)
		if _, err := os.Stat(try); os.IsNotExist(err) {
			return try
		}
	}
	return path
}
