package bridge

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"
	"sync"

	"github.com/drummonds/pdfbridge/engine/pdfrenderer"
)

// PixelFormat is the layout of a destination buffer
type PixelFormat int

const (
	FormatRGBA8888 PixelFormat = iota + 1
	FormatRGB565
)

func (f PixelFormat) String() string {
	switch f {
	case FormatRGBA8888:
		return "rgba"
	case FormatRGB565:
		return "rgb565"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(f))
	}
}

// BytesPerPixel returns 0 for unsupported formats
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case FormatRGBA8888:
		return 4
	case FormatRGB565:
		return 2
	default:
		return 0
	}
}

// ParsePixelFormat accepts "rgba", "rgba8888", "rgb565" and "565"
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch strings.ToLower(s) {
	case "", "rgba", "rgba8888":
		return FormatRGBA8888, nil
	case "rgb565", "565":
		return FormatRGB565, nil
	default:
		return 0, fmt.Errorf("%w: pixel format %q", ErrInvalidArgument, s)
	}
}

// PixelInfo describes a destination buffer. Stride is bytes per row and may
// be larger than Width times the pixel size.
type PixelInfo struct {
	Width  int
	Height int
	Stride int
	Format PixelFormat
}

// Destination is a caller-owned pixel buffer. LockPixels grants exclusive
// access to the memory until UnlockPixels is called.
type Destination interface {
	LockPixels() (PixelInfo, []byte, error)
	UnlockPixels()
}

// Canvas is an in-memory Destination
type Canvas struct {
	mu   sync.Mutex
	info PixelInfo
	pix  []byte
}

// NewCanvas allocates a tightly packed canvas
func NewCanvas(width, height int, format PixelFormat) (*Canvas, error) {
	return NewCanvasWithStride(width, height, width*format.BytesPerPixel(), format)
}

// NewCanvasWithStride allocates a canvas whose rows are stride bytes apart
func NewCanvasWithStride(width, height, stride int, format PixelFormat) (*Canvas, error) {
	info := PixelInfo{Width: width, Height: height, Stride: stride, Format: format}
	if err := info.validate(); err != nil {
		return nil, err
	}
	return &Canvas{info: info, pix: make([]byte, stride*height)}, nil
}

func (c *Canvas) LockPixels() (PixelInfo, []byte, error) {
	c.mu.Lock()
	return c.info, c.pix, nil
}

func (c *Canvas) UnlockPixels() {
	c.mu.Unlock()
}

func (c *Canvas) Info() PixelInfo {
	return c.info
}

// Pix returns the raw pixel memory. It must not be used while a render into
// the canvas is running.
func (c *Canvas) Pix() []byte {
	return c.pix
}

// Image copies the canvas into an image.Image. RGB565 pixels are expanded to
// 8 bits per channel.
func (c *Canvas) Image() image.Image {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, h := c.info.Width, c.info.Height
	switch c.info.Format {
	case FormatRGB565:
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			row := c.pix[y*c.info.Stride:]
			for x := 0; x < w; x++ {
				r, g, b := ExpandRGB565(binary.LittleEndian.Uint16(row[x*2:]))
				img.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 0xFF})
			}
		}
		return img
	default:
		img := image.NewNRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			copy(img.Pix[y*img.Stride:y*img.Stride+w*4], c.pix[y*c.info.Stride:])
		}
		return img
	}
}

func (info PixelInfo) validate() error {
	bpp := info.Format.BytesPerPixel()
	if bpp == 0 {
		return fmt.Errorf("%w: unsupported pixel format %d", ErrInvalidArgument, int(info.Format))
	}
	if info.Width <= 0 || info.Height <= 0 {
		return fmt.Errorf("%w: canvas %dx%d", ErrInvalidArgument, info.Width, info.Height)
	}
	if info.Stride < info.Width*bpp {
		return fmt.Errorf("%w: stride %d below row size %d", ErrInvalidArgument, info.Stride, info.Width*bpp)
	}
	return nil
}

// MaxDrawSide bounds either side of the rectangle a page is drawn into
const MaxDrawSide = 1 << 16

// RenderRequest positions a page on the destination. The page is drawn at
// Width by Height pixels with its top-left corner at (X, Y), both in
// destination pixels. A zero Width or Height draws the whole page at DPI.
type RenderRequest struct {
	DPI         int
	X           int
	Y           int
	Width       int
	Height      int
	Annotations bool
}

// Render rasterizes page into dst. The destination stays locked for the
// whole call and is unlocked on every return path.
func (b *Bridge) Render(h PageHandle, dst Destination, req RenderRequest) error {
	if dst == nil {
		return fmt.Errorf("%w: nil destination", ErrInvalidArgument)
	}
	p, err := b.lockPage(h)
	if err != nil {
		return err
	}
	defer p.owner.mu.Unlock()

	info, pix, err := dst.LockPixels()
	if err != nil {
		return fmt.Errorf("lock destination: %w", err)
	}
	defer dst.UnlockPixels()

	if err := info.validate(); err != nil {
		return err
	}
	if need := info.Stride*(info.Height-1) + info.Width*info.Format.BytesPerPixel(); len(pix) < need {
		return fmt.Errorf("%w: destination holds %d bytes, needs %d", ErrInvalidArgument, len(pix), need)
	}

	if req.Width <= 0 || req.Height <= 0 {
		dpi := req.DPI
		if dpi <= 0 {
			dpi = 72
		}
		width, height, err := b.engine.PageSize(p.owner.ref, p.index)
		if err != nil {
			return fmt.Errorf("%w: page %d size: %w", ErrNotFound, p.index, err)
		}
		req.Width, req.Height = pointsToPixels(width, dpi), pointsToPixels(height, dpi)
		if req.Width <= 0 || req.Height <= 0 {
			return fmt.Errorf("%w: page %d has no area", ErrInvalidArgument, p.index)
		}
	}

	if req.Width > MaxDrawSide || req.Height > MaxDrawSide {
		return fmt.Errorf("%w: draw size %dx%d above %d", ErrInvalidArgument, req.Width, req.Height, MaxDrawSide)
	}

	return rasterize(b.engine, p.ref, info, pix, req)
}

var (
	fallbackGray = [4]byte{0x84, 0x84, 0x84, 0xFF}
	white        = [4]byte{0xFF, 0xFF, 0xFF, 0xFF}
)

var scratchPool = sync.Pool{
	New: func() any { return new([]byte) },
}

func getScratch(n int) *[]byte {
	buf := scratchPool.Get().(*[]byte)
	if cap(*buf) < n {
		*buf = make([]byte, n)
	}
	*buf = (*buf)[:n]
	clear(*buf)
	return buf
}

func rasterize(engine pdfrenderer.Engine, page pdfrenderer.PageRef, info PixelInfo, pix []byte, req RenderRequest) error {
	canvas := image.Rect(0, 0, info.Width, info.Height)
	// origin and size clamp to the canvas separately
	x, y := max(req.X, 0), max(req.Y, 0)
	clip := image.Rect(x, y, x+min(req.Width, info.Width), y+min(req.Height, info.Height)).Intersect(canvas)

	target := &pdfrenderer.Bitmap{
		Width:  info.Width,
		Height: info.Height,
		Stride: info.Stride,
		Format: pdfrenderer.FormatBGRA,
		Pix:    pix,
	}
	if info.Format == FormatRGB565 {
		scratch := getScratch(info.Width * info.Height * 3)
		defer scratchPool.Put(scratch)
		target = &pdfrenderer.Bitmap{
			Width:  info.Width,
			Height: info.Height,
			Stride: info.Width * 3,
			Format: pdfrenderer.FormatBGR,
			Pix:    *scratch,
		}
	}

	if req.Width < info.Width || req.Height < info.Height {
		fillRect(target, canvas, fallbackGray)
	}
	if info.Format == FormatRGB565 {
		fillRect(target, clip, white)
	}

	flags := pdfrenderer.FlagReverseByteOrder
	if req.Annotations {
		flags |= pdfrenderer.FlagAnnotations
	}
	geo := pdfrenderer.Geometry{StartX: req.X, StartY: req.Y, SizeX: req.Width, SizeY: req.Height}
	if err := engine.RenderPage(page, target, geo, flags); err != nil {
		return fmt.Errorf("render page: %w", err)
	}

	if info.Format == FormatRGB565 {
		convertRGBTo565(pix, info.Stride, target.Pix, target.Stride, info.Width, info.Height)
	}
	return nil
}

func fillRect(bm *pdfrenderer.Bitmap, rect image.Rectangle, c [4]byte) {
	rect = rect.Intersect(image.Rect(0, 0, bm.Width, bm.Height))
	bpp := bm.Format.BytesPerPixel()
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		row := bm.Pix[y*bm.Stride:]
		for x := rect.Min.X; x < rect.Max.X; x++ {
			copy(row[x*bpp:x*bpp+bpp], c[:bpp])
		}
	}
}

func convertRGBTo565(dst []byte, dstStride int, src []byte, srcStride, width, height int) {
	for y := 0; y < height; y++ {
		srcRow := src[y*srcStride:]
		dstRow := dst[y*dstStride:]
		for x := 0; x < width; x++ {
			s := srcRow[x*3:]
			binary.LittleEndian.PutUint16(dstRow[x*2:], PackRGB565(s[0], s[1], s[2]))
		}
	}
}

// PackRGB565 reduces an 8-bit RGB triple to 5/6/5 bits, rounding to the
// nearest representable value
func PackRGB565(r, g, b uint8) uint16 {
	r5 := (uint32(r)*249 + 1014) >> 11
	g6 := (uint32(g)*253 + 505) >> 10
	b5 := (uint32(b)*249 + 1014) >> 11
	return uint16(r5<<11 | g6<<5 | b5)
}

// ExpandRGB565 widens a packed pixel back to 8 bits per channel
func ExpandRGB565(v uint16) (r, g, b uint8) {
	r5 := uint32(v>>11) & 0x1F
	g6 := uint32(v>>5) & 0x3F
	b5 := uint32(v) & 0x1F
	return uint8((r5*527 + 23) >> 6), uint8((g6*259 + 33) >> 6), uint8((b5*527 + 23) >> 6)
}

// Slice is a page-relative rectangle with edges in [0, 1]
type Slice struct {
	Left, Top, Right, Bottom float64
}

// SliceBounds returns where to draw a page so that slice fills a
// width by height destination. The result is usually larger than the
// destination and starts at a negative origin.
func SliceBounds(width, height int, slice Slice) (image.Rectangle, error) {
	sw, sh := slice.Right-slice.Left, slice.Bottom-slice.Top
	if sw <= 0 || sh <= 0 {
		return image.Rectangle{}, fmt.Errorf("%w: empty slice %+v", ErrInvalidArgument, slice)
	}
	w, h := float64(width), float64(height)
	if w/sw > MaxDrawSide || h/sh > MaxDrawSide {
		return image.Rectangle{}, fmt.Errorf("%w: slice %+v draws the page above %d pixels", ErrInvalidArgument, slice, MaxDrawSide)
	}
	return image.Rect(
		int(math.Round(-slice.Left*w/sw)),
		int(math.Round(-slice.Top*h/sh)),
		int(math.Round((w-slice.Left*w)/sw)),
		int(math.Round((h-slice.Top*h)/sh)),
	), nil
}
