// Package qr renders pairing QR payloads as images.
package qr

import (
	"encoding/base64"
	"fmt"

	"github.com/skip2/go-qrcode"
)

// DefaultSize is the edge length in pixels of rendered codes.
const DefaultSize = 256

// PNG encodes code as a PNG image of the given size.
func PNG(code string, size int) ([]byte, error) {
	if code == "" {
		return nil, fmt.Errorf("empty QR payload")
	}
	if size <= 0 {
		size = DefaultSize
	}
	png, err := qrcode.Encode(code, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}
	return png, nil
}

// DataURL encodes code as a base64 PNG data URL suitable for an <img> tag.
func DataURL(code string) (string, error) {
	png, err := PNG(code, DefaultSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
