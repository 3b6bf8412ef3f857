package images

import (
	"bytes"
	"image"
	"image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"

	apperrors "github.com/halation/darkroom/internal/errors"
)

// DefaultThumbnailWidth is used when no width is configured.
const DefaultThumbnailWidth = 320

// Thumbnail scales an encoded image down to the given width, preserving
// aspect ratio, and re-encodes it as JPEG. Images already narrower than
// the target are re-encoded unscaled.
func Thumbnail(data []byte, width uint) ([]byte, error) {
	if width == 0 {
		width = DefaultThumbnailWidth
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to decode image", err)
	}

	if uint(img.Bounds().Dx()) > width {
		img = resize.Resize(width, 0, img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode thumbnail", err)
	}
	return buf.Bytes(), nil
}
