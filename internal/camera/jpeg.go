package camera

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
)

var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// extractJPEGFrame removes and returns the first complete JPEG in buffer.
// Bytes before the start marker are discarded once a frame is found.
func extractJPEGFrame(buffer *[]byte) []byte {
	buf := *buffer
	if len(buf) < 4 {
		return nil
	}

	startIdx := bytes.Index(buf, jpegStart)
	if startIdx == -1 {
		return nil
	}

	rel := bytes.Index(buf[startIdx+2:], jpegEnd)
	if rel == -1 {
		return nil
	}
	endIdx := startIdx + 2 + rel + 2

	frame := make([]byte, endIdx-startIdx)
	copy(frame, buf[startIdx:endIdx])
	*buffer = buf[endIdx:]

	return frame
}

// grayJPEG encodes a uniform frame of the given size
func grayJPEG(width, height int, level uint8) ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, width, height))
	fill := color.Gray{Y: level}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray(x, y, fill)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
