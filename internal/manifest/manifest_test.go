package manifest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/trackbot-flasher/embedded"
)

type mapFetcher map[string][]byte

func (m mapFetcher) Fetch(_ context.Context, path string) ([]byte, error) {
	data, ok := m[path]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func TestParse_Example(t *testing.T) {
	m, err := Parse([]byte(`{"version":"1.0","builds":[{"parts":[{"path":"a.bin","offset":4096},{"path":"b.bin","offset":32768}]}]}`))
	require.NoError(t, err)

	assert.Equal(t, "1.0", m.Version)
	parts, err := m.Parts()
	require.NoError(t, err)
	assert.Equal(t, []Part{{Path: "a.bin", Offset: 4096}, {Path: "b.bin", Offset: 32768}}, parts)
}

func TestParse_InvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{"version":`))
	assert.Error(t, err)
}

func TestParts_NoBuilds(t *testing.T) {
	m, err := Parse([]byte(`{"version":"2.0"}`))
	require.NoError(t, err, "missing fields are not validated on parse")

	_, err = m.Parts()
	assert.ErrorIs(t, err, ErrNoBuilds)
}

func TestParts_MissingPartsList(t *testing.T) {
	for _, data := range []string{
		`{"version":"1.0","builds":[{}]}`,
		`{"version":"1.0","builds":[{"parts":null}]}`,
	} {
		m, err := Parse([]byte(data))
		require.NoError(t, err)

		_, err = m.Parts()
		assert.ErrorIs(t, err, ErrNoParts, data)
	}

	m, err := Parse([]byte(`{"version":"1.0","builds":[{"parts":[]}]}`))
	require.NoError(t, err)
	parts, err := m.Parts()
	require.NoError(t, err, "an empty parts list is valid")
	assert.Empty(t, parts)
}

func TestParts_UsesFirstBuild(t *testing.T) {
	m := &Manifest{Builds: []Build{
		{ChipFamily: "ESP32", Parts: []Part{{Path: "esp32.bin", Offset: 0x10000}}},
		{ChipFamily: "ESP32-C3", Parts: []Part{{Path: "c3.bin", Offset: 0x10000}}},
	}}

	parts, err := m.Parts()
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, "esp32.bin", parts[0].Path)
}

func TestLoad(t *testing.T) {
	f := mapFetcher{"manifest.json": []byte(`{"version":"3.1","builds":[]}`)}

	m, err := Load(context.Background(), f, "manifest.json")
	require.NoError(t, err)
	assert.Equal(t, "3.1", m.Version)

	_, err = Load(context.Background(), f, "missing.json")
	assert.EqualError(t, err, "not found")
}

func TestEmbeddedTemplate(t *testing.T) {
	m, err := Parse(embedded.Manifest())
	require.NoError(t, err)

	parts, err := m.Parts()
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, int64(BootloaderOffset), parts[0].Offset)
	assert.Equal(t, int64(PartitionTableOffset), parts[1].Offset)
	assert.Equal(t, int64(ApplicationOffset), parts[2].Offset)
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		offset int64
		want   string
	}{
		{0x1000, "bootloader"},
		{0x8000, "partition table"},
		{0x10000, "application"},
		{0x310000, "data"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Describe(tc.offset), "offset 0x%X", tc.offset)
	}
}

func TestOverlaps(t *testing.T) {
	boot := Region{Path: "bootloader.bin", Offset: 0x1000, Size: 0x6000}
	table := Region{Path: "partitions.bin", Offset: 0x8000, Size: 0xC00}
	app := Region{Path: "app.bin", Offset: 0x10000, Size: 0x20000}
	big := Region{Path: "big.bin", Offset: 0x1000, Size: 0x8000}

	assert.Empty(t, Overlaps([]Region{app, table, boot}))

	got := Overlaps([]Region{app, big, table})
	require.Len(t, got, 1)
	assert.Equal(t, "big.bin", got[0][0].Path)
	assert.Equal(t, "partitions.bin", got[0][1].Path)
}
