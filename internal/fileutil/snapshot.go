// Package fileutil writes evidence snapshots of accepted scans: the frame
// as JPEG plus a sidecar JSON with the scan details.
package fileutil

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

// SnapshotMetadata is the sidecar written alongside each snapshot.
type SnapshotMetadata struct {
	Version   string    `json:"version"`
	SessionID string    `json:"session_id"`
	Code      string    `json:"code"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Device    string    `json:"device"`
	Backend   string    `json:"backend"`
	Multiple  bool      `json:"multiple"`
	ScannedAt time.Time `json:"scanned_at"`
	ImageFile string    `json:"image_file"`
}

// WriteSnapshot saves img under dir and the metadata next to it. It returns
// the image path.
func WriteSnapshot(dir string, img image.Image, meta *SnapshotMetadata) (string, error) {
	if img == nil {
		return "", fmt.Errorf("snapshot: no frame")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	at := meta.ScannedAt
	if at.IsZero() {
		at = time.Now()
	}
	imgPath := uniquePath(dir, SnapshotBasename(at, meta.Code), ".jpg")
	if err := imaging.Save(img, imgPath, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("save snapshot: %w", err)
	}
	meta.ImageFile = filepath.Base(imgPath)
	if err := WriteMetadata(imgPath, meta); err != nil {
		return imgPath, err
	}
	return imgPath, nil
}

// WriteMetadata writes <basepath>.meta.json next to imagePath via temp file
// and rename.
func WriteMetadata(imagePath string, meta *SnapshotMetadata) error {
	metaPath := MetadataPath(imagePath)
	dir := filepath.Dir(metaPath)

	tmpFile, err := os.CreateTemp(dir, "meta-*.tmp")
	if err != nil {
		return fmt.Errorf("create metadata temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(meta); err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync metadata: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close metadata temp: %w", err)
	}
	success = true

	if err := os.Rename(tmpPath, metaPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}

// MetadataPath returns <basepath>.meta.json for imagePath.
func MetadataPath(imagePath string) string {
	return strings.TrimSuffix(imagePath, filepath.Ext(imagePath)) + ".meta.json"
}
