package bridge

import (
	"encoding/binary"
	"errors"
	"image"
	"testing"

	"github.com/drummonds/pdfbridge/engine/pdfrenderer"
	"github.com/drummonds/pdfbridge/internal/enginetest"
)

type countingDestination struct {
	info    PixelInfo
	pix     []byte
	err     error
	locks   int
	unlocks int
}

func (d *countingDestination) LockPixels() (PixelInfo, []byte, error) {
	d.locks++
	if d.err != nil {
		return PixelInfo{}, nil, d.err
	}
	return d.info, d.pix, nil
}

func (d *countingDestination) UnlockPixels() { d.unlocks++ }

func rgbaAt(c *Canvas, x, y int) [4]byte {
	i := y*c.Info().Stride + x*4
	var px [4]byte
	copy(px[:], c.Pix()[i:i+4])
	return px
}

func rgb565At(c *Canvas, x, y int) uint16 {
	return binary.LittleEndian.Uint16(c.Pix()[y*c.Info().Stride+x*2:])
}

func setupRender(t *testing.T, color [4]byte) (*Bridge, *enginetest.Engine, PageHandle) {
	t.Helper()
	eng := enginetest.New(1)
	eng.Color = color
	b := New(eng, nil)
	doc := openTestDocument(t, b)
	t.Cleanup(func() { b.CloseDocument(doc) })
	page, err := b.LoadPage(doc, 0)
	if err != nil {
		t.Fatalf("LoadPage failed: %v", err)
	}
	return b, eng, page
}

var red = [4]byte{0xFF, 0x00, 0x00, 0xFF}

func TestRenderRGBAFullCanvas(t *testing.T) {
	b, eng, page := setupRender(t, red)
	canvas, err := NewCanvas(8, 6, FormatRGBA8888)
	if err != nil {
		t.Fatalf("NewCanvas failed: %v", err)
	}

	if err := b.Render(page, canvas, RenderRequest{Width: 8, Height: 6}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			if px := rgbaAt(canvas, x, y); px != red {
				t.Fatalf("Expected red at %d,%d, got %v", x, y, px)
			}
		}
	}

	_, flags, format := eng.LastRender()
	if flags&pdfrenderer.FlagReverseByteOrder == 0 {
		t.Error("Expected reverse byte order flag")
	}
	if flags&pdfrenderer.FlagAnnotations != 0 {
		t.Error("Expected annotations to be off")
	}
	if format != pdfrenderer.FormatBGRA {
		t.Errorf("Expected direct 4 byte render, got format %d", format)
	}
}

func TestRenderRGBASubRectangle(t *testing.T) {
	b, _, page := setupRender(t, red)
	canvas, _ := NewCanvas(10, 10, FormatRGBA8888)

	req := RenderRequest{X: 2, Y: 3, Width: 4, Height: 4, Annotations: true}
	if err := b.Render(page, canvas, req); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	inside := image.Rect(2, 3, 6, 7)
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			want := fallbackGray
			if image.Pt(x, y).In(inside) {
				want = red
			}
			if px := rgbaAt(canvas, x, y); px != want {
				t.Fatalf("Expected %v at %d,%d, got %v", want, x, y, px)
			}
		}
	}
}

func TestRenderClipsOversizedDraw(t *testing.T) {
	b, eng, page := setupRender(t, red)
	canvas, _ := NewCanvas(10, 10, FormatRGBA8888)

	t.Run("Larger in both directions", func(t *testing.T) {
		req := RenderRequest{X: -5, Y: -5, Width: 30, Height: 30}
		if err := b.Render(page, canvas, req); err != nil {
			t.Fatalf("Render failed: %v", err)
		}
		for y := 0; y < 10; y++ {
			for x := 0; x < 10; x++ {
				if px := rgbaAt(canvas, x, y); px != red {
					t.Fatalf("Expected red at %d,%d, got %v", x, y, px)
				}
			}
		}
		geo, _, _ := eng.LastRender()
		want := pdfrenderer.Geometry{StartX: -5, StartY: -5, SizeX: 30, SizeY: 30}
		if geo != want {
			t.Errorf("Expected engine geometry %+v, got %+v", want, geo)
		}
	})

	t.Run("Wider but shorter", func(t *testing.T) {
		req := RenderRequest{Width: 20, Height: 5}
		if err := b.Render(page, canvas, req); err != nil {
			t.Fatalf("Render failed: %v", err)
		}
		if px := rgbaAt(canvas, 9, 4); px != red {
			t.Errorf("Expected red inside the draw, got %v", px)
		}
		if px := rgbaAt(canvas, 9, 5); px != fallbackGray {
			t.Errorf("Expected gray below the draw, got %v", px)
		}
	})
}

func TestRenderRGB565(t *testing.T) {
	tests := []struct {
		name  string
		color [4]byte
		want  uint16
	}{
		{"Black", [4]byte{0, 0, 0, 0xFF}, 0x0000},
		{"White", [4]byte{0xFF, 0xFF, 0xFF, 0xFF}, 0xFFFF},
		{"Mid gray", [4]byte{128, 128, 128, 0xFF}, 0x8410},
		{"Red", red, 0xF800},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, eng, page := setupRender(t, tt.color)
			canvas, _ := NewCanvas(6, 4, FormatRGB565)

			if err := b.Render(page, canvas, RenderRequest{X: 1, Y: 1, Width: 4, Height: 2}); err != nil {
				t.Fatalf("Render failed: %v", err)
			}
			if got := rgb565At(canvas, 2, 1); got != tt.want {
				t.Errorf("Expected %#04x inside, got %#04x", tt.want, got)
			}
			if got := rgb565At(canvas, 0, 0); got != 0x8430 {
				t.Errorf("Expected fallback gray %#04x outside, got %#04x", 0x8430, got)
			}
			if _, _, format := eng.LastRender(); format != pdfrenderer.FormatBGR {
				t.Errorf("Expected 3 byte scratch render, got format %d", format)
			}
		})
	}
}

func TestRenderRGB565WhiteUnderlay(t *testing.T) {
	b, eng, page := setupRender(t, red)
	canvas, _ := NewCanvas(4, 4, FormatRGB565)

	// Draw fully off canvas: engine paints nothing, the clip is empty
	if err := b.Render(page, canvas, RenderRequest{X: 10, Y: 10, Width: 2, Height: 2}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if got := rgb565At(canvas, 0, 0); got != 0x8430 {
		t.Errorf("Expected gray for an empty clip, got %#04x", got)
	}

	// An engine that draws nothing leaves the white underlay
	clearEngine := &whiteCheckEngine{Engine: eng}
	b.engine = clearEngine
	if err := b.Render(page, canvas, RenderRequest{Width: 4, Height: 4}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !clearEngine.sawWhite {
		t.Error("Expected the clip to be white before the engine renders")
	}
	if got := rgb565At(canvas, 3, 3); got != 0xFFFF {
		t.Errorf("Expected white, got %#04x", got)
	}
}

func TestRenderRGB565NegativeOrigin(t *testing.T) {
	b, _, page := setupRender(t, red)
	canvas, _ := NewCanvas(100, 10, FormatRGB565)

	if err := b.Render(page, canvas, RenderRequest{X: -10, Width: 100, Height: 10}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if got := rgb565At(canvas, 50, 5); got != 0xF800 {
		t.Errorf("Expected red where the page is drawn, got %#04x", got)
	}
	if got := rgb565At(canvas, 95, 5); got != 0xFFFF {
		t.Errorf("Expected white past the drawn page, got %#04x", got)
	}
}

// whiteCheckEngine inspects the target before rendering and draws nothing
type whiteCheckEngine struct {
	*enginetest.Engine
	sawWhite bool
}

func (e *whiteCheckEngine) RenderPage(page pdfrenderer.PageRef, dst *pdfrenderer.Bitmap, geo pdfrenderer.Geometry, flags pdfrenderer.RenderFlags) error {
	e.sawWhite = true
	for y := 0; y < dst.Height; y++ {
		for x := 0; x < dst.Width*dst.Format.BytesPerPixel(); x++ {
			if dst.Pix[y*dst.Stride+x] != 0xFF {
				e.sawWhite = false
			}
		}
	}
	return nil
}

func TestRenderRespectsStride(t *testing.T) {
	b, _, page := setupRender(t, red)

	t.Run("RGBA", func(t *testing.T) {
		canvas, err := NewCanvasWithStride(3, 2, 20, FormatRGBA8888)
		if err != nil {
			t.Fatalf("NewCanvasWithStride failed: %v", err)
		}
		if err := b.Render(page, canvas, RenderRequest{Width: 3, Height: 2}); err != nil {
			t.Fatalf("Render failed: %v", err)
		}
		for y := 0; y < 2; y++ {
			if px := rgbaAt(canvas, 2, y); px != red {
				t.Errorf("Expected red at row %d, got %v", y, px)
			}
			for _, pad := range canvas.Pix()[y*20+12 : y*20+20] {
				if pad != 0 {
					t.Fatalf("Expected row padding untouched, got %v", canvas.Pix()[y*20+12:y*20+20])
				}
			}
		}
	})

	t.Run("RGB565", func(t *testing.T) {
		canvas, err := NewCanvasWithStride(3, 2, 10, FormatRGB565)
		if err != nil {
			t.Fatalf("NewCanvasWithStride failed: %v", err)
		}
		if err := b.Render(page, canvas, RenderRequest{Width: 3, Height: 2}); err != nil {
			t.Fatalf("Render failed: %v", err)
		}
		for y := 0; y < 2; y++ {
			if got := rgb565At(canvas, 2, y); got != 0xF800 {
				t.Errorf("Expected red at row %d, got %#04x", y, got)
			}
			for _, pad := range canvas.Pix()[y*10+6 : y*10+10] {
				if pad != 0 {
					t.Fatalf("Expected row padding untouched, got %v", canvas.Pix()[y*10+6:y*10+10])
				}
			}
		}
	})

	t.Run("Stride below row size", func(t *testing.T) {
		if _, err := NewCanvasWithStride(3, 2, 8, FormatRGBA8888); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("Expected ErrInvalidArgument, got %v", err)
		}
	})
}

func TestRenderReleasesDestination(t *testing.T) {
	b, eng, page := setupRender(t, red)

	t.Run("Success", func(t *testing.T) {
		dst := &countingDestination{info: PixelInfo{Width: 2, Height: 2, Stride: 8, Format: FormatRGBA8888}, pix: make([]byte, 16)}
		if err := b.Render(page, dst, RenderRequest{Width: 2, Height: 2}); err != nil {
			t.Fatalf("Render failed: %v", err)
		}
		if dst.locks != 1 || dst.unlocks != 1 {
			t.Errorf("Expected 1 lock and 1 unlock, got %d and %d", dst.locks, dst.unlocks)
		}
	})

	t.Run("Unsupported format", func(t *testing.T) {
		dst := &countingDestination{info: PixelInfo{Width: 2, Height: 2, Stride: 8, Format: PixelFormat(9)}, pix: make([]byte, 16)}
		err := b.Render(page, dst, RenderRequest{Width: 2, Height: 2})
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("Expected ErrInvalidArgument, got %v", err)
		}
		if dst.locks != 1 || dst.unlocks != 1 {
			t.Errorf("Expected 1 lock and 1 unlock, got %d and %d", dst.locks, dst.unlocks)
		}
	})

	t.Run("Buffer too small", func(t *testing.T) {
		dst := &countingDestination{info: PixelInfo{Width: 2, Height: 2, Stride: 8, Format: FormatRGBA8888}, pix: make([]byte, 10)}
		err := b.Render(page, dst, RenderRequest{Width: 2, Height: 2})
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("Expected ErrInvalidArgument, got %v", err)
		}
		if dst.unlocks != 1 {
			t.Errorf("Expected 1 unlock, got %d", dst.unlocks)
		}
	})

	t.Run("Engine failure", func(t *testing.T) {
		eng.RenderErr = errors.New("content stream broken")
		defer func() { eng.RenderErr = nil }()
		dst := &countingDestination{info: PixelInfo{Width: 2, Height: 2, Stride: 4, Format: FormatRGB565}, pix: make([]byte, 8)}
		if err := b.Render(page, dst, RenderRequest{Width: 2, Height: 2}); err == nil {
			t.Error("Expected render error")
		}
		if dst.unlocks != 1 {
			t.Errorf("Expected 1 unlock, got %d", dst.unlocks)
		}
	})

	t.Run("Lock failure", func(t *testing.T) {
		dst := &countingDestination{err: errors.New("buffer recycled")}
		if err := b.Render(page, dst, RenderRequest{Width: 2, Height: 2}); err == nil {
			t.Error("Expected lock error")
		}
		if dst.unlocks != 0 {
			t.Errorf("Expected no unlock after a failed lock, got %d", dst.unlocks)
		}
	})
}

func TestRenderRejects(t *testing.T) {
	b, _, page := setupRender(t, red)
	canvas, _ := NewCanvas(2, 2, FormatRGBA8888)

	if err := b.Render(page, nil, RenderRequest{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for nil destination, got %v", err)
	}
	if err := b.Render(PageHandle(makeHandle(40, 1)), canvas, RenderRequest{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown page, got %v", err)
	}
	huge := RenderRequest{X: -MaxDrawSide, Width: MaxDrawSide * 2, Height: 2}
	if err := b.Render(page, canvas, huge); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for an oversized draw, got %v", err)
	}
}

func TestRenderWholePageAtDPI(t *testing.T) {
	b, eng, page := setupRender(t, red)
	canvas, _ := NewCanvas(306, 396, FormatRGB565)

	if err := b.Render(page, canvas, RenderRequest{DPI: 36}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	geo, _, _ := eng.LastRender()
	if geo.SizeX != 306 || geo.SizeY != 396 {
		t.Errorf("Expected 306x396, got %dx%d", geo.SizeX, geo.SizeY)
	}
	if got := rgb565At(canvas, 305, 395); got != 0xF800 {
		t.Errorf("Expected red in the corner, got %#04x", got)
	}
}

func TestPackRGB565(t *testing.T) {
	tests := []struct {
		r, g, b uint8
		want    uint16
	}{
		{0, 0, 0, 0x0000},
		{255, 255, 255, 0xFFFF},
		{128, 128, 128, 0x8410},
		{0x84, 0x84, 0x84, 0x8430},
		{255, 0, 0, 0xF800},
		{0, 255, 0, 0x07E0},
		{0, 0, 255, 0x001F},
		// 4 rounds down, 5 rounds up to the first 5 bit step
		{4, 0, 0, 0x0000},
		{5, 0, 0, 0x0800},
	}
	for _, tt := range tests {
		if got := PackRGB565(tt.r, tt.g, tt.b); got != tt.want {
			t.Errorf("PackRGB565(%d, %d, %d): expected %#04x, got %#04x", tt.r, tt.g, tt.b, tt.want, got)
		}
	}
}

func TestExpandRGB565(t *testing.T) {
	if r, g, b := ExpandRGB565(0xFFFF); r != 255 || g != 255 || b != 255 {
		t.Errorf("Expected white, got %d %d %d", r, g, b)
	}
	if r, g, b := ExpandRGB565(0x0000); r != 0 || g != 0 || b != 0 {
		t.Errorf("Expected black, got %d %d %d", r, g, b)
	}
	for v := 0; v < 256; v++ {
		c := uint8(v)
		r, g, b := ExpandRGB565(PackRGB565(c, c, c))
		if diff(r, c) > 5 || diff(g, c) > 3 || diff(b, c) > 5 {
			t.Fatalf("Round trip of %d drifted to %d %d %d", c, r, g, b)
		}
	}
}

func diff(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}

func TestCanvasImage(t *testing.T) {
	b, _, page := setupRender(t, red)
	canvas, _ := NewCanvas(4, 4, FormatRGB565)
	if err := b.Render(page, canvas, RenderRequest{Width: 2, Height: 4}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	img := canvas.Image()
	if img.Bounds() != image.Rect(0, 0, 4, 4) {
		t.Fatalf("Unexpected bounds %v", img.Bounds())
	}
	r, g, bl, a := img.At(0, 0).RGBA()
	if r>>8 != 255 || g>>8 != 0 || bl>>8 != 0 || a>>8 != 255 {
		t.Errorf("Expected red, got %d %d %d %d", r>>8, g>>8, bl>>8, a>>8)
	}
	r, g, bl, _ = img.At(3, 0).RGBA()
	if r>>8 != 132 || g>>8 != 134 || bl>>8 != 132 {
		t.Errorf("Expected fallback gray, got %d %d %d", r>>8, g>>8, bl>>8)
	}
}

func TestSliceBounds(t *testing.T) {
	tests := []struct {
		name  string
		slice Slice
		want  image.Rectangle
	}{
		{"Whole page", Slice{0, 0, 1, 1}, image.Rect(0, 0, 200, 100)},
		{"Bottom right quarter", Slice{0.5, 0.5, 1, 1}, image.Rect(-200, -100, 200, 100)},
		{"Middle strip", Slice{0.25, 0, 0.75, 1}, image.Rect(-100, 0, 300, 100)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SliceBounds(200, 100, tt.slice)
			if err != nil {
				t.Fatalf("SliceBounds failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
	if _, err := SliceBounds(200, 100, Slice{0.5, 0, 0.5, 1}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for empty slice, got %v", err)
	}
	if _, err := SliceBounds(100, 100, Slice{0, 0, 1e-9, 1e-9}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for a vanishing slice, got %v", err)
	}
	if _, err := SliceBounds(100, 100, Slice{0, 0, 0.01, 0.01}); err != nil {
		t.Errorf("Expected a 100x zoom to be accepted, got %v", err)
	}
}

func TestParsePixelFormat(t *testing.T) {
	for in, want := range map[string]PixelFormat{"": FormatRGBA8888, "RGBA": FormatRGBA8888, "rgb565": FormatRGB565, "565": FormatRGB565} {
		got, err := ParsePixelFormat(in)
		if err != nil || got != want {
			t.Errorf("ParsePixelFormat(%q): expected %s, got %s %v", in, want, got, err)
		}
	}
	if _, err := ParsePixelFormat("cmyk"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument, got %v", err)
	}
}
