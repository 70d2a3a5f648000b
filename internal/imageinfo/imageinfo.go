// Package imageinfo validates uploaded images and extracts hashes and
// provenance hints from them.
package imageinfo

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"slices"
	"strings"

	"github.com/corona10/goimagehash"
	"github.com/rotisserie/eris"
	_ "golang.org/x/image/webp" // register decoder

	"github.com/sells-group/deepfake-detector/internal/config"
	"github.com/sells-group/deepfake-detector/internal/model"
)

// ErrInvalidImage is returned for uploads that cannot be classified.
var ErrInvalidImage = eris.New("imageinfo: invalid image")

// DefaultMaxPixels caps decoded image area when Options.MaxPixels is unset.
const DefaultMaxPixels = 50_000_000

// Options bounds what Inspect accepts.
type Options struct {
	MaxBytes       int64
	MinDimension   int
	MaxPixels      int64
	AllowedFormats []string
}

// OptionsFromConfig converts the image config section.
func OptionsFromConfig(c config.ImageConfig) Options {
	return Options{
		MaxBytes:       c.MaxBytes,
		MinDimension:   c.MinDimension,
		MaxPixels:      c.MaxPixels,
		AllowedFormats: c.AllowedFormats,
	}
}

// Inspect validates data and describes it. Hashing and metadata failures
// leave the corresponding fields empty.
func Inspect(data []byte, opts Options) (*model.ImageInfo, error) {
	if len(data) == 0 {
		return nil, eris.Wrap(ErrInvalidImage, "empty upload")
	}
	if opts.MaxBytes > 0 && int64(len(data)) > opts.MaxBytes {
		return nil, eris.Wrapf(ErrInvalidImage, "%d bytes exceeds limit of %d", len(data), opts.MaxBytes)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, eris.Wrapf(ErrInvalidImage, "decode: %v", err)
	}
	if len(opts.AllowedFormats) > 0 && !slices.Contains(opts.AllowedFormats, format) {
		return nil, eris.Wrapf(ErrInvalidImage, "format %q not allowed", format)
	}
	if cfg.Width < opts.MinDimension || cfg.Height < opts.MinDimension {
		return nil, eris.Wrapf(ErrInvalidImage, "%dx%d is smaller than %dpx", cfg.Width, cfg.Height, opts.MinDimension)
	}
	maxPixels := opts.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	if px := int64(cfg.Width) * int64(cfg.Height); px > maxPixels {
		return nil, eris.Wrapf(ErrInvalidImage, "%dx%d exceeds %d pixels", cfg.Width, cfg.Height, maxPixels)
	}

	info := &model.ImageInfo{
		Format: format,
		Width:  cfg.Width,
		Height: cfg.Height,
		Size:   int64(len(data)),
		SHA256: HashBytes(data),
	}
	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		info.PerceptualHash = PerceptualHash(img)
	}
	info.Metadata = ExtractHints(data)
	info.GeneratorHint = info.Metadata[HintAIGenerator]
	return info, nil
}

// MIMEType returns the content type for a decoded format name.
func MIMEType(format string) string {
	if format == "" {
		return "application/octet-stream"
	}
	return "image/" + strings.ToLower(format)
}

// HashBytes returns the hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PerceptualHash returns the difference hash of img, or "" if it cannot be computed.
func PerceptualHash(img image.Image) string {
	h, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return ""
	}
	return h.ToString()
}

// PerceptualDistance is the Hamming distance between two hashes from PerceptualHash.
func PerceptualDistance(a, b string) (int, error) {
	ha, err := goimagehash.ImageHashFromString(a)
	if err != nil {
		return 0, eris.Wrap(err, "imageinfo: parse hash")
	}
	hb, err := goimagehash.ImageHashFromString(b)
	if err != nil {
		return 0, eris.Wrap(err, "imageinfo: parse hash")
	}
	d, err := ha.Distance(hb)
	if err != nil {
		return 0, eris.Wrap(err, "imageinfo: hash distance")
	}
	return d, nil
}
