// Package storage persists uploads, processed videos and alert captures on disk and keeps
// optional alert history (postgres) and task snapshots (redis).
package storage

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/rasd/surveillance-server/internal/config"
)

// Area is one of the directories under the static root.
type Area int

const (
	AreaUploads Area = iota
	AreaProcessed
	AreaCaptures
)

// SnapshotStore writes files under the static root and hands out URL references for them.
type SnapshotStore struct {
	cfg config.StorageConfig
}

// NewSnapshotStore creates a store for cfg. Call EnsureDirs before writing.
func NewSnapshotStore(cfg config.StorageConfig) *SnapshotStore {
	return &SnapshotStore{cfg: cfg}
}

func (s *SnapshotStore) dirName(a Area) string {
	switch a {
	case AreaUploads:
		return s.cfg.UploadsDir
	case AreaProcessed:
		return s.cfg.ProcessedDir
	default:
		return s.cfg.CapturesDir
	}
}

// EnsureDirs creates every storage directory.
func (s *SnapshotStore) EnsureDirs() error {
	for _, a := range []Area{AreaUploads, AreaProcessed, AreaCaptures} {
		if err := os.MkdirAll(s.Path(a, ""), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", s.dirName(a), err)
		}
	}
	return nil
}

// Root is the static directory served under URLPrefix.
func (s *SnapshotStore) Root() string {
	return s.cfg.StaticDir
}

// Path returns the filesystem path of name in area.
func (s *SnapshotStore) Path(a Area, name string) string {
	return filepath.Join(s.cfg.Dir(s.dirName(a)), name)
}

// URL returns the client-facing reference of name in area, e.g. /static/captures/x.jpg.
func (s *SnapshotStore) URL(a Area, name string) string {
	return path.Join("/", s.cfg.URLPrefix, s.dirName(a), name)
}

// SaveJPEG encodes img at quality and returns its URL reference.
func (s *SnapshotStore) SaveJPEG(a Area, name string, img image.Image, quality int) (string, error) {
	p := s.Path(a, name)
	if err := imaging.Save(img, p, imaging.JPEGQuality(quality)); err != nil {
		return "", fmt.Errorf("save %s: %w", p, err)
	}
	return s.URL(a, name), nil
}

// SaveUpload copies r into the uploads area under a sanitized name and returns the
// filesystem path.
func (s *SnapshotStore) SaveUpload(name string, r io.Reader) (string, error) {
	name = SanitizeFilename(name)
	if name == "" {
		return "", fmt.Errorf("invalid upload filename")
	}
	p := s.Path(AreaUploads, name)
	f, err := os.Create(p)
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(p)
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close upload: %w", err)
	}
	return p, nil
}

// SanitizeFilename strips directories and anything outside [A-Za-z0-9._-].
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	return out
}

// EncodeJPEG encodes img for transport.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
