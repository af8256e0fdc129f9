// Package qr renders raw pairing codes into a displayable form.
//
// The wire transport hands us an opaque pairing string; clients expect
// a scannable image. Rendering produces a base64 PNG data URI suitable
// for direct embedding in an <img> tag. Rendering is best-effort: if
// encoding fails the raw code is returned untouched so the caller can
// still present something pairable.
package qr

import (
	"encoding/base64"

	qrcode "github.com/skip2/go-qrcode"
)

// DefaultSize is the pixel width/height of rendered codes.
const DefaultSize = 256

// Renderer encodes pairing codes as PNG data URIs.
type Renderer struct {
	// Size is the image dimension in pixels. Zero means DefaultSize.
	Size int
	// Level is the error-correction level. Zero value is qrcode.Medium.
	Level qrcode.RecoveryLevel
}

// Render returns a data URI containing the PNG-encoded code, or the
// raw input unchanged when encoding fails.
func (r Renderer) Render(raw string) string {
	size := r.Size
	if size <= 0 {
		size = DefaultSize
	}

	png, err := qrcode.Encode(raw, r.Level, size)
	if err != nil {
		return raw
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
