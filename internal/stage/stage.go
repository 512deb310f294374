// Package stage downloads the images a manifest lists and pairs each one
// with its flash offset.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/bigbag/trackbot-flasher/internal/manifest"
)

// ErrInvalidPart is returned for parts with an empty path or an offset
// outside the 32-bit flash address space. No fetch is made in that case.
var ErrInvalidPart = errors.New("invalid manifest part")

// BinaryPart is a downloaded image and the offset to write it at.
type BinaryPart struct {
	Path   string
	Offset int64
	Data   []byte
}

// Region returns the flash span the part occupies.
func (p BinaryPart) Region() manifest.Region {
	return manifest.Region{Path: p.Path, Offset: p.Offset, Size: int64(len(p.Data))}
}

// ProgressFunc is called after each part is downloaded. index is 0-based.
type ProgressFunc func(index, total int, part BinaryPart)

// Stager fetches manifest parts in order.
type Stager struct {
	fetcher  manifest.Fetcher
	progress ProgressFunc
	log      *slog.Logger
}

// New creates a Stager that downloads through f.
func New(f manifest.Fetcher, log *slog.Logger) *Stager {
	if log == nil {
		log = slog.Default()
	}
	return &Stager{fetcher: f, log: log}
}

// SetProgressCallback sets the per-part progress callback.
func (s *Stager) SetProgressCallback(cb ProgressFunc) {
	s.progress = cb
}

// Stage fetches every part in manifest order. The first failed fetch
// aborts the stage and nothing fetched so far is returned; the error is the
// fetcher's, typically a *fetch.NetworkError.
func (s *Stager) Stage(ctx context.Context, parts []manifest.Part) ([]BinaryPart, error) {
	for i, p := range parts {
		if p.Path == "" {
			return nil, fmt.Errorf("%w: part %d has no path", ErrInvalidPart, i)
		}
		if p.Offset < 0 {
			return nil, fmt.Errorf("%w: part %s has negative offset %d", ErrInvalidPart, p.Path, p.Offset)
		}
		if p.Offset > math.MaxUint32 {
			return nil, fmt.Errorf("%w: part %s offset 0x%X is beyond flash", ErrInvalidPart, p.Path, p.Offset)
		}
	}

	staged := make([]BinaryPart, 0, len(parts))
	for i, p := range parts {
		data, err := s.fetcher.Fetch(ctx, p.Path)
		if err != nil {
			s.log.Debug("stage aborted", "path", p.Path, "index", i, "error", err)
			return nil, err
		}

		bp := BinaryPart{Path: p.Path, Offset: p.Offset, Data: data}
		staged = append(staged, bp)
		s.log.Debug("part staged", "path", p.Path, "offset", fmt.Sprintf("0x%X", p.Offset), "size", len(data))

		if s.progress != nil {
			s.progress(i, len(parts), bp)
		}
	}

	return staged, nil
}

// Overlaps reports staged parts that would overwrite each other.
func Overlaps(parts []BinaryPart) [][2]manifest.Region {
	regions := make([]manifest.Region, len(parts))
	for i, p := range parts {
		regions[i] = p.Region()
	}
	return manifest.Overlaps(regions)
}
