// Package fingerprint derives stable content keys for images.
//
// A fingerprint is a SHA-256 over a normalized raster rather than over the
// raw byte stream, so container-level differences (PNG compression level,
// ancillary chunks) do not fragment the cache key space.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// ErrInvalidInput is returned when the input is empty or cannot be decoded
// as a supported image format. It is terminal and never retried.
var ErrInvalidInput = errors.New("invalid image input")

// Size is the byte length of a Fingerprint.
const Size = sha256.Size

// Fingerprint identifies an image by its visual content. It is the sole
// cache and coalescing key. Values are immutable.
type Fingerprint [Size]byte

// String returns the lowercase hex form used as the external key.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// IsZero reports whether f is the zero fingerprint.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// MarshalText implements encoding.TextMarshaler using the hex form, so
// fingerprints serialize as strings in JSON cache entries.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Parse converts the hex form produced by String back into a Fingerprint.
func Parse(s string) (Fingerprint, error) {
	var f Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil {
		return f, fmt.Errorf("parse fingerprint: %w", err)
	}
	if len(b) != Size {
		return f, fmt.Errorf("parse fingerprint: expected %d bytes, got %d", Size, len(b))
	}
	copy(f[:], b)
	return f, nil
}

// Config controls raster normalization.
type Config struct {
	// Width and Height of the canonical raster every image is scaled to
	// before hashing. Changing them changes every key, so they are fixed
	// per deployment.
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

// DefaultConfig returns the canonical 64x64 raster configuration.
func DefaultConfig() Config {
	return Config{Width: 64, Height: 64}
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("raster dimensions must be positive, got %dx%d", c.Width, c.Height)
	}
	return nil
}

// Fingerprinter computes content fingerprints. It is stateless and safe
// for concurrent use.
type Fingerprinter struct {
	width  int
	height int
}

// New creates a Fingerprinter. Non-positive dimensions fall back to the
// defaults.
func New(cfg Config) *Fingerprinter {
	def := DefaultConfig()
	if cfg.Width <= 0 {
		cfg.Width = def.Width
	}
	if cfg.Height <= 0 {
		cfg.Height = def.Height
	}
	return &Fingerprinter{width: cfg.Width, height: cfg.Height}
}

// Fingerprint derives the content key for an image. The input is decoded
// (PNG, JPEG or GIF), scaled onto the canonical raster and hashed, so the
// key depends on pixel content, not on the encoded byte stream. Lossless
// re-encodes of the same pixels converge to one key; lossy re-encodes may
// not. Empty or undecodable input returns ErrInvalidInput.
func (fp *Fingerprinter) Fingerprint(data []byte) (Fingerprint, error) {
	if len(data) == 0 {
		return Fingerprint{}, fmt.Errorf("%w: empty input", ErrInvalidInput)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Fingerprint{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return Fingerprint(sha256.Sum256(fp.normalize(img).Pix)), nil
}

// normalize scales img onto the canonical RGBA raster with bilinear
// interpolation.
func (fp *Fingerprinter) normalize(img image.Image) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, fp.width, fp.height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}
