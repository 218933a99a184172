package sim

import (
	"bytes"
	"image"
	"image/jpeg"

	"camera-capture-go/internal/camera"
)

// =============================================================================
// Test patterns
// =============================================================================
// Each simulated camera films its own scene so outputs are easy to tell
// apart:
//
//   camera 0  blue sky with drifting clouds
//   camera 1  green field with moving red objects
//   camera 2  grey urban grid
//   others    rolling RGB gradient
//
// Scenes are a function of the frame counter only, so tests are repeatable.
// A blinking block in the top-left corner shows the feed is live.
// =============================================================================

const jpegQuality = 80

func renderScene(number, frame int, size camera.Size) *image.RGBA {
	w, h := size.Width, size.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	blink := (frame/8)%2 == 0
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			r, g, b := scenePixel(number, frame, x, y, h)
			if blink && x < w/12 && y < h/24 {
				r, g, b = 255, 255, 255
			}
			i := x * 4
			row[i], row[i+1], row[i+2], row[i+3] = r, g, b, 255
		}
	}
	return img
}

func scenePixel(number, frame, x, y, h int) (r, g, b uint8) {
	switch number {
	case 0:
		gradient := float64(y) / float64(h)
		r = uint8(135 * (1 - gradient))
		g = uint8(206 * (1 - gradient))
		b = uint8(250 * (1 - gradient))
		if (x+frame)%80 < 20 && y%60 < 15 {
			white := uint8(200 + frame%55)
			r, g, b = white, white, white
		}
	case 1:
		r = uint8(50 + frame%30)
		g = uint8(120 + frame%40)
		b = 50
		if (x+2*frame)%100 < 10 && y%100 < 10 {
			r, g, b = 255, 100, 100
		}
	case 2:
		gray := uint8(128 + frame%80)
		r, g, b = gray, gray, gray
		if (x%40 < 5 || y%30 < 3) && x+y > 200 {
			r, g, b = 180, 180, 200
		}
	default:
		r = uint8((x + frame) % 256)
		g = uint8((y + frame/2) % 256)
		b = uint8((x + y + frame/3) % 256)
	}
	return r, g, b
}

func encodeScene(number, frame int, size camera.Size) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, renderScene(number, frame, size), &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
