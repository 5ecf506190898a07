// Package web embeds the browser shell served by skaner.
package web

import (
	"embed"
	"io/fs"
)

//go:embed index.html style.css script.js manifest.webmanifest icon.svg
var files embed.FS

// FS returns the shell files rooted at the top level.
func FS() fs.FS { return files }
