package fingerprint

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testImage builds a deterministic gradient so distinct seeds give
// distinct pixel content.
func testImage(w, h int, seed uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x*7) + seed,
				G: uint8(y*13) + seed,
				B: uint8((x+y)*3) + seed,
				A: 255,
			})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image, level png.CompressionLevel) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := &png.Encoder{CompressionLevel: level}
	require.NoError(t, enc.Encode(&buf, img))
	return buf.Bytes()
}

func TestFingerprint_Deterministic(t *testing.T) {
	fp := New(DefaultConfig())
	data := encodePNG(t, testImage(100, 80, 1), png.DefaultCompression)

	first, err := fp.Fingerprint(data)
	require.NoError(t, err)
	second, err := fp.Fingerprint(data)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.False(t, first.IsZero())
	assert.Len(t, first.String(), Size*2)
}

func TestFingerprint_PNGCompressionInvariant(t *testing.T) {
	fp := New(DefaultConfig())
	img := testImage(120, 90, 42)

	fast := encodePNG(t, img, png.BestSpeed)
	small := encodePNG(t, img, png.BestCompression)
	require.False(t, bytes.Equal(fast, small), "encodings must differ for the test to mean anything")

	a, err := fp.Fingerprint(fast)
	require.NoError(t, err)
	b, err := fp.Fingerprint(small)
	require.NoError(t, err)

	assert.Equal(t, a, b, "same pixels must map to one key regardless of compression level")
}

func TestFingerprint_DistinctContent(t *testing.T) {
	fp := New(DefaultConfig())

	a, err := fp.Fingerprint(encodePNG(t, testImage(64, 64, 1), png.DefaultCompression))
	require.NoError(t, err)
	b, err := fp.Fingerprint(encodePNG(t, testImage(64, 64, 200), png.DefaultCompression))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestFingerprint_SupportedFormats(t *testing.T) {
	fp := New(DefaultConfig())
	img := testImage(50, 50, 7)

	t.Run("jpeg", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
		got, err := fp.Fingerprint(buf.Bytes())
		require.NoError(t, err)
		assert.False(t, got.IsZero())
	})

	t.Run("gif", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, gif.Encode(&buf, img, nil))
		got, err := fp.Fingerprint(buf.Bytes())
		require.NoError(t, err)
		assert.False(t, got.IsZero())
	})
}

func TestFingerprint_InvalidInput(t *testing.T) {
	fp := New(DefaultConfig())

	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"zero length", []byte{}},
		{"not an image", []byte("definitely not pixels")},
		{"truncated png", encodePNG(t, testImage(10, 10, 1), png.DefaultCompression)[:8]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fp.Fingerprint(tc.data)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestParse_RoundTrip(t *testing.T) {
	fp := New(DefaultConfig())
	orig, err := fp.Fingerprint(encodePNG(t, testImage(30, 30, 9), png.DefaultCompression))
	require.NoError(t, err)

	parsed, err := Parse(orig.String())
	require.NoError(t, err)
	assert.Equal(t, orig, parsed)

	_, err = Parse("not-hex")
	assert.Error(t, err)
	_, err = Parse("abcd")
	assert.Error(t, err, "short input must be rejected")
}

func TestNew_DefaultsApplied(t *testing.T) {
	data := encodePNG(t, testImage(64, 64, 3), png.DefaultCompression)

	zero, err := New(Config{}).Fingerprint(data)
	require.NoError(t, err)
	def, err := New(DefaultConfig()).Fingerprint(data)
	require.NoError(t, err)

	assert.Equal(t, def, zero, "zero config must behave like the default raster")
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{Width: 0, Height: 64}.Validate())
	assert.Error(t, Config{Width: 64, Height: -1}.Validate())
}
