package imageinfo

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/deepfake-detector/internal/config"
)

func gradient(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 128, A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func defaultOpts() Options {
	return OptionsFromConfig(config.ImageConfig{
		MaxBytes:       1 << 20,
		MinDimension:   32,
		AllowedFormats: []string{"png", "jpeg", "webp"},
	})
}

func TestInspect_PNG(t *testing.T) {
	data := encodePNG(t, gradient(64, 48))

	info, err := Inspect(data, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, "png", info.Format)
	assert.Equal(t, 64, info.Width)
	assert.Equal(t, 48, info.Height)
	assert.Equal(t, int64(len(data)), info.Size)
	assert.Equal(t, HashBytes(data), info.SHA256)
	assert.Len(t, info.SHA256, 64)
	assert.NotEmpty(t, info.PerceptualHash)
	assert.Empty(t, info.GeneratorHint)
}

func TestInspect_JPEG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, gradient(40, 40), nil))

	info, err := Inspect(buf.Bytes(), defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, "jpeg", info.Format)
}

func TestInspect_Rejects(t *testing.T) {
	var gifBuf bytes.Buffer
	require.NoError(t, gif.Encode(&gifBuf, gradient(64, 64), nil))

	big := encodePNG(t, gradient(64, 64))
	small := encodePNG(t, gradient(16, 64))

	tests := []struct {
		name string
		data []byte
		opts Options
		msg  string
	}{
		{"empty", nil, defaultOpts(), "empty upload"},
		{"garbage", []byte("definitely not an image"), defaultOpts(), "decode"},
		{"format", gifBuf.Bytes(), defaultOpts(), `format "gif" not allowed`},
		{"too small", small, defaultOpts(), "smaller than 32px"},
		{"too large", big, Options{MaxBytes: 10}, "exceeds limit"},
		{"too many pixels", big, Options{MaxPixels: 64*64 - 1}, "64x64 exceeds 4095 pixels"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Inspect(tt.data, tt.opts)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidImage)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

// pngHeader returns a PNG signature and IHDR chunk declaring w x h RGBA
// pixels, with no image data behind it.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 6 // RGBA

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	chunk := append([]byte("IHDR"), ihdr...)
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestInspect_RejectsOversizedDimensions(t *testing.T) {
	_, err := Inspect(pngHeader(30000, 30000), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidImage)
	assert.Contains(t, err.Error(), "30000x30000 exceeds 50000000 pixels")
}

func TestHashBytes(t *testing.T) {
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", HashBytes([]byte("abc")))
}

func TestPerceptualDistance(t *testing.T) {
	a := PerceptualHash(gradient(64, 64))
	b := PerceptualHash(gradient(128, 128))
	require.NotEmpty(t, a)

	d, err := PerceptualDistance(a, a)
	require.NoError(t, err)
	assert.Equal(t, 0, d)

	d, err = PerceptualDistance(a, b)
	require.NoError(t, err)
	assert.LessOrEqual(t, d, 10)

	_, err = PerceptualDistance("nope", a)
	assert.Error(t, err)
}

func TestMIMEType(t *testing.T) {
	assert.Equal(t, "image/png", MIMEType("png"))
	assert.Equal(t, "image/jpeg", MIMEType("JPEG"))
	assert.Equal(t, "application/octet-stream", MIMEType(""))
}

func TestDetectGenerator(t *testing.T) {
	tests := []struct {
		name  string
		hints map[string]string
		want  string
	}{
		{"nil", nil, ""},
		{"camera", map[string]string{HintSoftware: "Adobe Lightroom 7.1"}, ""},
		{"stable diffusion", map[string]string{HintSoftware: "Stable Diffusion XL"}, "stable diffusion"},
		{"creator tool", map[string]string{HintCreatorTool: "Adobe Firefly"}, "firefly"},
		{"iptc", map[string]string{HintOriginatingProgram: "Midjourney v6"}, "midjourney"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectGenerator(tt.hints))
		})
	}
}

func TestExtractHints_NoMetadata(t *testing.T) {
	assert.Nil(t, ExtractHints(nil))
	assert.Nil(t, ExtractHints(encodePNG(t, gradient(32, 32))))
}
