package embedded

import (
	_ "embed"
)

//go:embed manifest.json
var manifest []byte

// Manifest returns the manifest template for the tracked robot firmware.
func Manifest() []byte {
	return manifest
}
