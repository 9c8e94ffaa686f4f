// Package vision provides perceptual image fingerprinting for cheap
// frame-to-frame similarity comparison.
package vision

import (
	"bytes"
	"fmt"
	"image"
	"math/bits"

	"github.com/disintegration/imaging"
)

const hashGridSize = 8

// Fingerprint reduces an image to a 64-bit average hash: the image is
// downsampled to an 8x8 grayscale grid and each cell is compared against
// the grid's mean intensity.
func Fingerprint(imageBytes []byte) (uint64, error) {
	img, err := imaging.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return 0, fmt.Errorf("failed to decode image for fingerprinting: %w", err)
	}
	return FingerprintImage(img), nil
}

// FingerprintImage computes the average hash of an already decoded image.
func FingerprintImage(img image.Image) uint64 {
	grid := imaging.Grayscale(imaging.Resize(img, hashGridSize, hashGridSize, imaging.Lanczos))

	var cells [hashGridSize * hashGridSize]uint32
	var total uint64
	for y := 0; y < hashGridSize; y++ {
		for x := 0; x < hashGridSize; x++ {
			r, _, _, _ := grid.At(x, y).RGBA()
			cells[y*hashGridSize+x] = r
			total += uint64(r)
		}
	}
	mean := uint32(total / uint64(len(cells)))

	var hash uint64
	for i, cell := range cells {
		if cell >= mean {
			hash |= 1 << uint(i)
		}
	}
	return hash
}

// Distance returns the Hamming distance between two fingerprints.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}
