package traybar

import (
	"bytes"
	"fmt"
	"image"
)

// CapturedImage is an owned bitmap plus the display scale factor at capture
// time.
type CapturedImage struct {
	// Image is the captured bitmap. The pixel buffer is owned by the
	// captured image and never aliases window server memory.
	Image *image.RGBA

	// Scale is the backing scale factor of the display the image was
	// captured at.
	Scale float64
}

// ScaledSize returns the image size in points, i.e. the pixel size divided
// by the capture scale factor.
func (c *CapturedImage) ScaledSize() (width, height float64) {
	if c == nil || c.Image == nil || c.Scale == 0 {
		return 0, 0
	}
	b := c.Image.Bounds()
	return float64(b.Dx()) / c.Scale, float64(b.Dy()) / c.Scale
}

// VisuallyEqual reports whether two captured images would render
// identically. It takes a fast path on pointer identity and otherwise
// compares dimensions, scale, and the raw pixel buffers. Callers use it to
// avoid redundant invalidation when a recapture produced pixel-identical
// content.
func (c *CapturedImage) VisuallyEqual(other *CapturedImage) bool {
	if c == other {
		return true
	}
	if c == nil || other == nil {
		return false
	}
	if c.Scale != other.Scale {
		return false
	}
	a, b := c.Image, other.Image
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.Bounds().Dx() != b.Bounds().Dx() || a.Bounds().Dy() != b.Bounds().Dy() {
		return false
	}
	if a.Stride == b.Stride && a.Bounds() == b.Bounds() {
		return bytes.Equal(a.Pix, b.Pix)
	}
	// Differing layouts: compare row by row.
	w, h := a.Bounds().Dx(), a.Bounds().Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if a.RGBAAt(a.Bounds().Min.X+x, a.Bounds().Min.Y+y) != b.RGBAAt(b.Bounds().Min.X+x, b.Bounds().Min.Y+y) {
				return false
			}
		}
	}
	return true
}

// isFullyTransparent reports whether every pixel of the image has zero
// alpha. A fully transparent capture signals a failure, such as missing
// capture permission or an item that rendered nothing.
func isFullyTransparent(img *image.RGBA) bool {
	if img == nil {
		return true
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[(y-b.Min.Y)*img.Stride : (y-b.Min.Y)*img.Stride+b.Dx()*4]
		for i := 3; i < len(row); i += 4 {
			if row[i] != 0 {
				return false
			}
		}
	}
	return true
}

// cropOwned returns an owned copy of the given rectangle of src. The
// rectangle is in the coordinate space of src's bounds. Cropping out of
// bounds returns nil.
func cropOwned(src *image.RGBA, r image.Rectangle) *image.RGBA {
	if src == nil {
		return nil
	}
	r = r.Intersect(src.Bounds())
	if r.Empty() {
		return nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := 0; y < r.Dy(); y++ {
		srcOff := src.PixOffset(r.Min.X, r.Min.Y+y)
		copy(dst.Pix[y*dst.Stride:y*dst.Stride+r.Dx()*4], src.Pix[srcOff:srcOff+r.Dx()*4])
	}
	return dst
}

// decodePixmap converts a wire pixmap into an owned RGBA image.
//
// Format of pixmap is as follows
//
//	[<width>, <height>, <bytes>]
//
// Where:
//   - <width>: width of the icon (int32)
//   - <height>: height of the icon (int32)
//   - <bytes>: ARGB32 pixel data in network byte order ([]byte)
func decodePixmap(pixmap any) (*image.RGBA, error) {
	data, ok := pixmap.([]any)
	if !ok || len(data) != 3 {
		return nil, fmt.Errorf("invalid pixmap format: expected a slice of 3 elements")
	}

	width, ok := data[0].(int32)
	if !ok {
		return nil, fmt.Errorf("invalid width type: expected int32")
	}

	height, ok := data[1].(int32)
	if !ok {
		return nil, fmt.Errorf("invalid height type: expected int32")
	}

	raw, ok := data[2].([]byte)
	if !ok {
		return nil, fmt.Errorf("invalid bytes format: expected []byte")
	}

	if width <= 0 || height <= 0 || len(raw) < int(width)*int(height)*4 {
		return nil, fmt.Errorf("pixmap size mismatch: %dx%d with %d bytes", width, height, len(raw))
	}

	img := image.NewRGBA(image.Rect(0, 0, int(width), int(height)))
	for i := 0; i+3 < int(width)*int(height)*4; i += 4 {
		// ARGB32 network order -> RGBA.
		img.Pix[i] = raw[i+1]
		img.Pix[i+1] = raw[i+2]
		img.Pix[i+2] = raw[i+3]
		img.Pix[i+3] = raw[i]
	}
	return img, nil
}
