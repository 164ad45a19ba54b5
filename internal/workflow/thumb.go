package workflow

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os"
)

// Thumbnail returns the page at seq as a JPEG no wider than width pixels.
func (w *Workflow) Thumbnail(seq, width int) ([]byte, error) {
	path, err := w.PagePath(seq)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open page %d: %w", seq, err)
	}
	defer f.Close()

	src, err := jpeg.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode page %d: %w", seq, err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaleToWidth(src, width), &jpeg.Options{Quality: 75}); err != nil {
		return nil, fmt.Errorf("encode thumbnail %d: %w", seq, err)
	}
	return buf.Bytes(), nil
}

// scaleToWidth downsamples src (nearest neighbour) keeping its aspect ratio.
// Images already narrower than width are returned unchanged.
func scaleToWidth(src image.Image, width int) image.Image {
	b := src.Bounds()
	if width <= 0 || b.Dx() <= width {
		return src
	}
	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		sy := b.Min.Y + y*b.Dy()/height
		for x := 0; x < width; x++ {
			sx := b.Min.X + x*b.Dx()/width
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	return dst
}
