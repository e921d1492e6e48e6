// Package compress shrinks image payloads by re-encoding them as JPEG
// at reduced quality. Anything that fails to decode, or that doesn't
// get smaller, falls through to an error so the caller can send the
// original.
package compress

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	_ "image/png"
)

const defaultQuality = 70

var ErrNotSmaller = errors.New("compress: result not smaller than input")

type JPEG struct {
	Quality int
}

func NewJPEG() *JPEG {
	return &JPEG{Quality: defaultQuality}
}

func (j *JPEG) Compress(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	quality := j.Quality
	if quality <= 0 || quality > 100 {
		quality = defaultQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	if buf.Len() >= len(data) {
		return nil, ErrNotSmaller
	}
	return buf.Bytes(), nil
}
