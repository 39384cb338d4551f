package media

import (
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// rgbFrame adapts a packed 24-bit RGB buffer to draw.Image so the font
// drawer can render directly into the frame without an intermediate copy.
type rgbFrame struct {
	w, h int
	pix  []byte
}

func (f *rgbFrame) ColorModel() color.Model { return color.RGBAModel }

func (f *rgbFrame) Bounds() image.Rectangle { return image.Rect(0, 0, f.w, f.h) }

func (f *rgbFrame) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= f.w || y >= f.h {
		return color.RGBA{}
	}
	i := (y*f.w + x) * 3
	return color.RGBA{R: f.pix[i], G: f.pix[i+1], B: f.pix[i+2], A: 0xff}
}

func (f *rgbFrame) Set(x, y int, c color.Color) {
	if x < 0 || y < 0 || x >= f.w || y >= f.h {
		return
	}
	r, g, b, _ := c.RGBA()
	i := (y*f.w + x) * 3
	f.pix[i] = byte(r >> 8)
	f.pix[i+1] = byte(g >> 8)
	f.pix[i+2] = byte(b >> 8)
}

const (
	overlayMarginX = 8
	overlayMarginY = 6
)

// stampOverlay draws text with a shaded background box into the top-left
// corner of a width x height RGB frame. A blank string is a no-op.
func stampOverlay(pix []byte, width, height int, text string) {
	if text == "" || len(pix) < width*height*3 {
		return
	}

	face := basicfont.Face7x13
	frame := &rgbFrame{w: width, h: height, pix: pix}

	textWidth := font.MeasureString(face, text).Ceil()
	boxW := textWidth + 2*overlayMarginX
	boxH := face.Height + 2*overlayMarginY
	if boxW > width {
		boxW = width
	}
	if boxH > height {
		boxH = height
	}

	// Shaded background behind the text.
	for y := 0; y < boxH; y++ {
		for x := 0; x < boxW; x++ {
			i := (y*width + x) * 3
			pix[i] = pix[i] / 4
			pix[i+1] = pix[i+1] / 4
			pix[i+2] = pix[i+2] / 4
		}
	}

	d := font.Drawer{
		Dst:  frame,
		Src:  image.NewUniform(color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}),
		Face: face,
		Dot: fixed.Point26_6{
			X: fixed.I(overlayMarginX),
			Y: fixed.I(overlayMarginY + face.Ascent),
		},
	}
	d.DrawString(text)
}
