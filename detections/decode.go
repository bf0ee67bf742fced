package detections

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var errEmptyImage = errors.New("image has no pixels")

// DecodeImage decodes an upload and flattens it to 3-channel color: the result
// is always an opaque *image.NRGBA, alpha is dropped rather than composited.
// The header is read first so oversized canvases are rejected before allocation.
func DecodeImage(data []byte) (*image.NRGBA, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, newError(KindDecode, "decode image", err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > MaxImagePixels {
		return nil, newError(KindDecode, "decode image",
			fmt.Errorf("%dx%d is %d pixels, limit is %d", cfg.Width, cfg.Height, pixels, MaxImagePixels))
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, newError(KindDecode, "decode image", err)
	}
	if img.Bounds().Empty() {
		return nil, newError(KindDecode, "decode image", errEmptyImage)
	}

	rgb := imaging.Clone(img)
	for i := 3; i < len(rgb.Pix); i += 4 {
		rgb.Pix[i] = 0xff
	}
	return rgb, nil
}
