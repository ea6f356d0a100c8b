package video

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/frahmantamala/credit-ledger/internal"
)

const (
	DefaultMaxImageSide = 1920
	maxEncodedImageSize = 15 << 20
)

// DecodeImage accepts raw base64 or a data URI.
func DecodeImage(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if i := strings.Index(encoded, ","); strings.HasPrefix(encoded, "data:") && i > 0 {
		encoded = encoded[i+1:]
	}
	if encoded == "" || len(encoded) > maxEncodedImageSize {
		return nil, internal.ErrInvalidImage
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, internal.ErrInvalidImage.WithCause(err)
	}
	return raw, nil
}

// PrepareImage validates the image, applies EXIF orientation, fits it within
// maxSide and re-encodes it as JPEG.
func PrepareImage(raw []byte, maxSide int) ([]byte, error) {
	if maxSide <= 0 {
		maxSide = DefaultMaxImageSide
	}

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, internal.ErrInvalidImage.WithCause(err)
	}

	b := img.Bounds()
	if b.Dx() > maxSide || b.Dy() > maxSide {
		img = imaging.Fit(img, maxSide, maxSide, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

func DataURI(jpeg []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg)
}
