package whatsapp

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image/png"
	"strings"
	"testing"
)

const samplePairing = "2@Xx1rT9w2mQ==,f0uxn8pQk1Ue3rYd2Qn2b3l1c2Y=,PzJ5n0g+Qx8D2mX0kR4sZQ==,ZmFrZS1hZHYtc2VjcmV0"

func TestRenderQR(t *testing.T) {
	data, err := RenderQR(samplePairing, DefaultQROptions())
	if err != nil {
		t.Fatalf("RenderQR: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not a png: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != 512 || b.Dy() != 512 {
		t.Fatalf("size = %dx%d, want 512x512", b.Dx(), b.Dy())
	}
	// the corner sits in the quiet zone
	r, g, bl, _ := img.At(0, 0).RGBA()
	if r != 0xffff || g != 0xffff || bl != 0xffff {
		t.Fatalf("corner pixel not light: %v %v %v", r, g, bl)
	}
}

func TestRenderQRColours(t *testing.T) {
	opts := DefaultQROptions()
	opts.DarkColor = "#ff0000"
	opts.Margin = 0
	data, err := RenderQR(samplePairing, opts)
	if err != nil {
		t.Fatalf("RenderQR: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	// finder patterns put a dark module in the top-left corner of the symbol
	b := img.Bounds()
	found := false
	for x := 0; x < b.Dx()/4 && !found; x++ {
		r, g, bl, _ := img.At(x, x).RGBA()
		if r == 0xffff && g == 0 && bl == 0 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected red modules on the diagonal near the top-left finder")
	}
}

func TestRenderQRErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		opts    QROptions
	}{
		{"empty payload", "", DefaultQROptions()},
		{"bad dark colour", samplePairing, QROptions{Size: 256, Margin: 2, DarkColor: "black", LightColor: "#FFFFFF"}},
		{"bad light colour", samplePairing, QROptions{Size: 256, Margin: 2, DarkColor: "#000000", LightColor: "#GGGGGG"}},
		{"payload too large", strings.Repeat("x", 4000), DefaultQROptions()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := RenderQR(tt.payload, tt.opts)
			var re *RenderError
			if !errors.As(err, &re) {
				t.Fatalf("err = %v, want *RenderError", err)
			}
		})
	}
}

func TestRenderQRDataURI(t *testing.T) {
	uri, err := RenderQRDataURI(samplePairing, QROptions{Size: 128, Margin: 1, DarkColor: "#000000", LightColor: "#FFFFFF"})
	if err != nil {
		t.Fatalf("RenderQRDataURI: %v", err)
	}
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(uri, prefix) {
		t.Fatalf("missing prefix: %.40s", uri)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(uri, prefix))
	if err != nil {
		t.Fatalf("invalid base64: %v", err)
	}
	if _, err := png.Decode(bytes.NewReader(raw)); err != nil {
		t.Fatalf("invalid png: %v", err)
	}
}
