package centroid

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"

	// Frame formats accepted from the capture interface.
	_ "image/png"

	_ "golang.org/x/image/tiff"
)

// DecodeFrame decodes capture bytes (TIFF or PNG) into a grayscale
// image ready for extraction.
func DecodeFrame(data []byte) (*image.Gray, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if gray, ok := img.(*image.Gray); ok {
		return gray, nil
	}
	gray := image.NewGray(img.Bounds())
	draw.Draw(gray, gray.Bounds(), img, img.Bounds().Min, draw.Src)
	return gray, nil
}
