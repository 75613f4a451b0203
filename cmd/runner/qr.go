package main

import (
	"fmt"
	"strings"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

func encodeQR(content string) (*gozxing.BitMatrix, error) {
	hints := map[gozxing.EncodeHintType]any{
		gozxing.EncodeHintType_MARGIN:           2,
		gozxing.EncodeHintType_ERROR_CORRECTION: "L",
	}
	m, err := qrcode.NewQRCodeWriter().Encode(content, gozxing.BarcodeFormat_QR_CODE, 0, 0, hints)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return m, nil
}

// renderQR draws content as a QR code for a terminal, two modules per
// character cell using half blocks. Dark modules are printed as spaces so
// the code reads correctly on dark backgrounds.
func renderQR(content string) (string, error) {
	m, err := encodeQR(content)
	if err != nil {
		return "", err
	}
	w, h := m.GetWidth(), m.GetHeight()
	var b strings.Builder
	for y := 0; y < h; y += 2 {
		for x := 0; x < w; x++ {
			top := m.Get(x, y)
			bottom := y+1 < h && m.Get(x, y+1)
			switch {
			case top && bottom:
				b.WriteString(" ")
			case top:
				b.WriteString("▄")
			case bottom:
				b.WriteString("▀")
			default:
				b.WriteString("█")
			}
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}
