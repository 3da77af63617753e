package whatsapp

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"

	colorful "github.com/lucasb-eyer/go-colorful"
	"github.com/skip2/go-qrcode"
	"github.com/talkincode/wahub/config"
)

// QROptions controls pairing image rendering. Size is the target edge length
// in pixels, Margin is the quiet zone in modules.
type QROptions struct {
	Size       int
	Margin     int
	DarkColor  string
	LightColor string
}

func DefaultQROptions() QROptions {
	return QROptions{Size: 512, Margin: 2, DarkColor: "#000000", LightColor: "#FFFFFF"}
}

func QROptionsFromConfig(c config.QRCodeConfig) QROptions {
	o := DefaultQROptions()
	if c.Size > 0 {
		o.Size = c.Size
	}
	if c.Margin >= 0 {
		o.Margin = c.Margin
	}
	if c.DarkColor != "" {
		o.DarkColor = c.DarkColor
	}
	if c.LightColor != "" {
		o.LightColor = c.LightColor
	}
	return o
}

// RenderQR encodes payload as a PNG QR code.
func RenderQR(payload string, opts QROptions) ([]byte, error) {
	if payload == "" {
		return nil, &RenderError{Err: errors.New("empty payload")}
	}
	dark, err := colorful.Hex(opts.DarkColor)
	if err != nil {
		return nil, &RenderError{Err: err}
	}
	light, err := colorful.Hex(opts.LightColor)
	if err != nil {
		return nil, &RenderError{Err: err}
	}

	q, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		return nil, &RenderError{Err: err}
	}
	q.DisableBorder = true
	bits := q.Bitmap()

	margin := opts.Margin
	if margin < 0 {
		margin = 0
	}
	modules := len(bits) + 2*margin
	scale := 1
	if opts.Size > modules {
		scale = opts.Size / modules
	}
	edge := modules * scale
	offset := 0
	if opts.Size > edge {
		offset = (opts.Size - edge) / 2
		edge = opts.Size
	}

	// palette index 0 is the background
	img := image.NewPaletted(image.Rect(0, 0, edge, edge), color.Palette{light, dark})
	for y, row := range bits {
		for x, on := range row {
			if !on {
				continue
			}
			x0 := offset + (margin+x)*scale
			y0 := offset + (margin+y)*scale
			for py := y0; py < y0+scale; py++ {
				for px := x0; px < x0+scale; px++ {
					img.SetColorIndex(px, py, 1)
				}
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, &RenderError{Err: err}
	}
	return buf.Bytes(), nil
}

// RenderQRDataURI renders payload and wraps the PNG as a data URI.
func RenderQRDataURI(payload string, opts QROptions) (string, error) {
	data, err := RenderQR(payload, opts)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data), nil
}
