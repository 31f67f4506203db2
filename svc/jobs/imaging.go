package jobs

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
)

var errNotImage = errors.New("not a supported image (png, jpeg, gif)")

func decodeImage(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", errNotImage, err)
	}
	return img, format, nil
}

func encodeImage(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case "jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85})
	case "gif":
		err = gif.Encode(&buf, img, nil)
	default:
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// fitWithin returns the largest size with the aspect ratio of w×h that fits maxW×maxH.
// Images already inside the box keep their size.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	if w*maxH > h*maxW {
		return maxW, max(1, h*maxW/w)
	}
	return max(1, w*maxH/h), maxH
}

// resizeImage scales the image down to fit maxW×maxH and keeps its format
func resizeImage(data []byte, maxW, maxH int) ([]byte, error) {
	src, format, err := decodeImage(data)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	w, h := fitWithin(b.Dx(), b.Dy(), maxW, maxH)
	if w == b.Dx() && h == b.Dy() {
		return data, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return encodeImage(dst, format)
}

func convertToPNG(data []byte) ([]byte, error) {
	img, format, err := decodeImage(data)
	if err != nil {
		return nil, err
	}
	if format == "png" {
		return data, nil
	}
	return encodeImage(img, "png")
}
