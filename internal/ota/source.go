package ota

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"cellnode/internal/firmware"
	"cellnode/internal/modem"
)

// Fetcher copies a file from the update server onto modem storage.
type Fetcher interface {
	Fetch(ctx context.Context, remote, local string) error
}

// ModemFiles is the modem file storage.
type ModemFiles interface {
	Size(ctx context.Context, name string) (int64, error)
	Delete(ctx context.Context, name string) error
	ReadFile(ctx context.Context, name string, sink io.Writer, offset, length int64) (int64, error)
}

// ModemSource fetches the manifest and image onto modem storage over FTP
// and reads them back in chunks.
type ModemSource struct {
	fetcher  Fetcher
	files    ModemFiles
	manifest string
	logger   *slog.Logger
}

// NewModemSource returns a Source reading manifest (e.g. "wombat.sha1")
// from the update server.
func NewModemSource(fetcher Fetcher, files ModemFiles, manifest string, logger *slog.Logger) *ModemSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModemSource{fetcher: fetcher, files: files, manifest: manifest, logger: logger}
}

func (s *ModemSource) FetchManifest(ctx context.Context) ([]byte, error) {
	if err := s.files.Delete(ctx, s.manifest); err != nil && !errors.Is(err, modem.ErrRejected) {
		return nil, err
	}
	if err := s.fetcher.Fetch(ctx, s.manifest, s.manifest); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := s.files.ReadFile(ctx, s.manifest, &buf, 0, 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Prepare fetches the image unless modem storage already holds a file of the
// expected size for a manifest that carries a digest; verification catches
// a stale file in that case.
func (s *ModemSource) Prepare(ctx context.Context, info firmware.Info) (int64, error) {
	if info.SHA1 != "" {
		if size, err := s.files.Size(ctx, info.Image); err == nil && size == info.Size {
			s.logger.Info("image already on modem storage", "image", info.Image, "size", size)
			return size, nil
		}
	}

	if err := s.files.Delete(ctx, info.Image); err != nil && !errors.Is(err, modem.ErrRejected) {
		return 0, err
	}
	if err := s.fetcher.Fetch(ctx, info.Image, info.Image); err != nil {
		return 0, err
	}
	size, err := s.files.Size(ctx, info.Image)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", info.Image, err)
	}
	return size, nil
}

func (s *ModemSource) ReadImage(ctx context.Context, name string, w io.Writer, offset, length int64) (int64, error) {
	return s.files.ReadFile(ctx, name, w, offset, length)
}
