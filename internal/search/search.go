// Package search builds marketplace links for a scanned code.
package search

import (
	"net/url"
	"strings"
)

// URL returns the listing search for code on marketplace, newest first.
func URL(marketplace, code string) string {
	base := strings.TrimRight(strings.TrimSpace(marketplace), "/")
	return base + "/listing?string=" + url.QueryEscape(strings.TrimSpace(code)) + "&order=qd"
}
