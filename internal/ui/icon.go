package ui

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
)

var iconBytes = renderIcon(22)

// renderIcon draws a filled play triangle on a transparent square.
func renderIcon(size int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	fg := color.NRGBA{R: 0x22, G: 0x22, B: 0x22, A: 0xff}

	pad := size / 5
	height := size - 2*pad
	for y := 0; y < height; y++ {
		half := height / 2
		dist := y - half
		if dist < 0 {
			dist = -dist
		}
		width := (half - dist) * 2
		for x := 0; x < width && pad+x < size; x++ {
			img.SetNRGBA(pad+x+size/10, pad+y, fg)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}
