// Package manifest reads the firmware manifest that lists image parts and
// the flash offsets they belong at.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Well-known ESP32 flash offsets. They are advisory: nothing checks that a
// manifest uses them.
const (
	BootloaderOffset     = 0x1000
	PartitionTableOffset = 0x8000
	ApplicationOffset    = 0x10000
)

var (
	// ErrNoBuilds is returned when a manifest has no build to take parts from.
	ErrNoBuilds = errors.New("manifest has no builds")

	// ErrNoParts is returned when the first build has no parts list. An
	// explicit empty list is valid.
	ErrNoParts = errors.New("manifest build has no parts")
)

// Manifest describes a firmware release.
type Manifest struct {
	Name    string  `json:"name,omitempty"`
	Version string  `json:"version"`
	Builds  []Build `json:"builds"`
}

// Build is one firmware build, usually one per chip family.
type Build struct {
	ChipFamily string `json:"chipFamily,omitempty"`
	Parts      []Part `json:"parts"`
}

// Part is an image to write at Offset, fetched from Path relative to the
// manifest.
type Part struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
}

// Fetcher retrieves a file by path.
type Fetcher interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// Parse decodes a manifest. Fields are not validated here; a missing
// field fails where it is first used.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// Load fetches and parses the manifest at name. Fetch errors are returned
// unwrapped so callers can match them.
func Load(ctx context.Context, f Fetcher, name string) (*Manifest, error) {
	data, err := f.Fetch(ctx, name)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parts returns the parts of the first build, in manifest order.
func (m *Manifest) Parts() ([]Part, error) {
	if len(m.Builds) == 0 {
		return nil, ErrNoBuilds
	}
	if m.Builds[0].Parts == nil {
		return nil, ErrNoParts
	}
	return m.Builds[0].Parts, nil
}

// Describe names the region a well-known offset belongs to.
func Describe(offset int64) string {
	switch offset {
	case BootloaderOffset:
		return "bootloader"
	case PartitionTableOffset:
		return "partition table"
	case ApplicationOffset:
		return "application"
	default:
		return "data"
	}
}

// Region is a span of flash occupied by a part.
type Region struct {
	Path   string
	Offset int64
	Size   int64
}

// End returns the first offset after the region.
func (r Region) End() int64 {
	return r.Offset + r.Size
}

// Overlaps returns every pair of regions that share flash bytes, in offset
// order.
func Overlaps(regions []Region) [][2]Region {
	sorted := make([]Region, len(regions))
	copy(sorted, regions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	var out [][2]Region
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted) && sorted[j].Offset < sorted[i].End(); j++ {
			out = append(out, [2]Region{sorted[i], sorted[j]})
		}
	}
	return out
}
