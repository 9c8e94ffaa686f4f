package vision

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
)

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func gradient(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(x * 255 / w), B: uint8(x * 255 / w), A: 255})
		}
	}
	return img
}

// checkerboard alternates squares sized to land on the 8x8 hash grid.
func checkerboard(w, h int) image.Image {
	square := w / 8
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			if (x/square+y/square)%2 == 0 {
				img.Set(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
			} else {
				img.Set(x, y, color.RGBA{A: 255})
			}
		}
	}
	return img
}

func TestFingerprintIsDeterministic(t *testing.T) {
	jpeg := encodeJPEG(t, gradient(64, 64))

	a, err := Fingerprint(jpeg)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	b, err := Fingerprint(jpeg)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if a != b {
		t.Errorf("same bytes produced different fingerprints: %x vs %x", a, b)
	}
}

func TestFingerprintSurvivesRescaling(t *testing.T) {
	small, err := Fingerprint(encodeJPEG(t, gradient(64, 64)))
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	large, err := Fingerprint(encodeJPEG(t, gradient(256, 256)))
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}

	if d := Distance(small, large); d > 10 {
		t.Errorf("rescaled image drifted %d bits, expected a near match", d)
	}
}

func TestFingerprintSeparatesDistinctScenes(t *testing.T) {
	a, err := Fingerprint(encodeJPEG(t, gradient(64, 64)))
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	b, err := Fingerprint(encodeJPEG(t, checkerboard(64, 64)))
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}

	if d := Distance(a, b); d <= 5 {
		t.Errorf("distinct scenes only %d bits apart", d)
	}
}

func TestFingerprintRejectsGarbage(t *testing.T) {
	if _, err := Fingerprint([]byte("not an image")); err == nil {
		t.Error("expected an error for undecodable bytes")
	}
	if _, err := Fingerprint(nil); err == nil {
		t.Error("expected an error for empty bytes")
	}
}

func TestDistance(t *testing.T) {
	tests := []struct {
		a, b uint64
		want int
	}{
		{0, 0, 0},
		{0b1010, 0b0101, 4},
		{^uint64(0), 0, 64},
		{0b1111, 0b1110, 1},
	}
	for _, tt := range tests {
		if got := Distance(tt.a, tt.b); got != tt.want {
			t.Errorf("Distance(%b, %b) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
