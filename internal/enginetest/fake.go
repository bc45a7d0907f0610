// Package enginetest provides an in-memory pdfrenderer.Engine for tests. It
// understands a tiny document format: any source starting with "%PDF-" opens,
// sources containing "/Encrypt" require Engine.Password, and every page
// renders as a solid color.
package enginetest

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/drummonds/pdfbridge/engine/pdfrenderer"
)

// PageSize is a page size in points
type PageSize struct {
	Width  float64
	Height float64
}

// Letter is the default page size
var Letter = PageSize{Width: 612, Height: 792}

// Engine is a deterministic engine that counts lifecycle calls and live
// objects. Configure the exported fields before first use.
type Engine struct {
	Pages       []PageSize
	Text        map[int]string
	Meta        map[string]string
	Password    string
	Color       [4]byte // RGBA
	Unsupported []pdfrenderer.UnsupportedFeature

	InitErr   error
	RenderErr error
	// SizeErr makes PageSize fail for every page
	SizeErr error

	mu           sync.Mutex
	cfg          pdfrenderer.Config
	initialized  bool
	stats        Stats
	lastGeometry pdfrenderer.Geometry
	lastFlags    pdfrenderer.RenderFlags
	lastFormat   pdfrenderer.BitmapFormat
}

// Stats counts engine activity
type Stats struct {
	Inits     int
	Shutdowns int
	Documents int
	Pages     int
	TextPages int
	Renders   int
}

// New returns an engine with pageCount letter sized pages drawn in red
func New(pageCount int) *Engine {
	pages := make([]PageSize, pageCount)
	for i := range pages {
		pages[i] = Letter
	}
	return &Engine{
		Pages: pages,
		Text:  map[int]string{},
		Meta:  map[string]string{},
		Color: [4]byte{0xFF, 0x00, 0x00, 0xFF},
	}
}

// Document returns a source the engine opens
func Document() []byte {
	return []byte("%PDF-1.7\n1 0 obj << /Type /Catalog >> endobj\ntrailer << /Root 1 0 R >>\n%%EOF\n")
}

// LockedDocument returns a source that needs Engine.Password
func LockedDocument() []byte {
	return []byte("%PDF-1.7\n1 0 obj << /Type /Catalog >> endobj\ntrailer << /Root 1 0 R /Encrypt 2 0 R >>\n%%EOF\n")
}

var ErrNotInitialized = errors.New("enginetest: engine not initialized")

type document struct {
	pages  []PageSize
	closed bool
}

type page struct {
	doc    *document
	index  int
	closed bool
}

type textPage struct {
	page   *page
	closed bool
}

func (e *Engine) Init(cfg pdfrenderer.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.InitErr != nil {
		return e.InitErr
	}
	if e.initialized {
		return errors.New("enginetest: already initialized")
	}
	e.initialized = true
	e.cfg = cfg
	e.stats.Inits++
	return nil
}

func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return ErrNotInitialized
	}
	e.initialized = false
	e.stats.Shutdowns++
	return nil
}

func (e *Engine) LoadDocument(r pdfrenderer.BlockReader, size int64, password string) (pdfrenderer.DocumentRef, error) {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return nil, ErrNotInitialized
	}
	onUnsupported := e.cfg.OnUnsupported
	e.mu.Unlock()

	data := make([]byte, size)
	// Read in two blocks so sources see more than one request
	half := size / 2
	if err := r.ReadBlock(0, data[:half]); err != nil {
		return nil, &pdfrenderer.Error{Op: "load document", Code: pdfrenderer.CodeFile, Err: err}
	}
	if err := r.ReadBlock(half, data[half:]); err != nil {
		return nil, &pdfrenderer.Error{Op: "load document", Code: pdfrenderer.CodeFile, Err: err}
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return nil, &pdfrenderer.Error{Op: "load document", Code: pdfrenderer.CodeFormat}
	}
	if bytes.Contains(data, []byte("/Encrypt")) && password != e.Password {
		return nil, &pdfrenderer.Error{Op: "load document", Code: pdfrenderer.CodePassword}
	}

	for _, feature := range e.Unsupported {
		if onUnsupported != nil {
			onUnsupported(feature)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Documents++
	return &document{pages: append([]PageSize(nil), e.Pages...)}, nil
}

func (e *Engine) document(ref pdfrenderer.DocumentRef) (*document, error) {
	doc, ok := ref.(*document)
	if !ok || doc.closed {
		return nil, &pdfrenderer.Error{Op: "document", Code: pdfrenderer.CodeUnknown, Err: fmt.Errorf("bad document %v", ref)}
	}
	return doc, nil
}

func (e *Engine) CloseDocument(ref pdfrenderer.DocumentRef) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, err := e.document(ref)
	if err != nil {
		return err
	}
	doc.closed = true
	e.stats.Documents--
	return nil
}

func (e *Engine) PageCount(ref pdfrenderer.DocumentRef) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, err := e.document(ref)
	if err != nil {
		return 0, err
	}
	return len(doc.pages), nil
}

func (e *Engine) PageSize(ref pdfrenderer.DocumentRef, index int) (float64, float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, err := e.document(ref)
	if err != nil {
		return 0, 0, err
	}
	if e.SizeErr != nil {
		return 0, 0, e.SizeErr
	}
	if index < 0 || index >= len(doc.pages) {
		return 0, 0, &pdfrenderer.Error{Op: "page size", Code: pdfrenderer.CodePage}
	}
	return doc.pages[index].Width, doc.pages[index].Height, nil
}

func (e *Engine) LoadPage(ref pdfrenderer.DocumentRef, index int) (pdfrenderer.PageRef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, err := e.document(ref)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(doc.pages) {
		return nil, &pdfrenderer.Error{Op: "load page", Code: pdfrenderer.CodePage}
	}
	e.stats.Pages++
	return &page{doc: doc, index: index}, nil
}

func (e *Engine) page(ref pdfrenderer.PageRef) (*page, error) {
	p, ok := ref.(*page)
	if !ok || p.closed || p.doc.closed {
		return nil, &pdfrenderer.Error{Op: "page", Code: pdfrenderer.CodePage, Err: fmt.Errorf("bad page %v", ref)}
	}
	return p, nil
}

func (e *Engine) ClosePage(ref pdfrenderer.PageRef) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := ref.(*page)
	if !ok || p.closed {
		return fmt.Errorf("enginetest: bad page %v", ref)
	}
	p.closed = true
	e.stats.Pages--
	return nil
}

func (e *Engine) LoadTextPage(ref pdfrenderer.PageRef) (pdfrenderer.TextPageRef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.page(ref)
	if err != nil {
		return nil, err
	}
	e.stats.TextPages++
	return &textPage{page: p}, nil
}

func (e *Engine) CloseTextPage(ref pdfrenderer.TextPageRef) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tp, ok := ref.(*textPage)
	if !ok || tp.closed {
		return fmt.Errorf("enginetest: bad text page %v", ref)
	}
	tp.closed = true
	e.stats.TextPages--
	return nil
}

func (e *Engine) TextCharCount(ref pdfrenderer.TextPageRef) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tp, ok := ref.(*textPage)
	if !ok || tp.closed {
		return 0, fmt.Errorf("enginetest: bad text page %v", ref)
	}
	return utf8.RuneCountInString(e.Text[tp.page.index]), nil
}

// RenderPage fills the part of the geometry that lands on dst with Color
func (e *Engine) RenderPage(ref pdfrenderer.PageRef, dst *pdfrenderer.Bitmap, geo pdfrenderer.Geometry, flags pdfrenderer.RenderFlags) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.page(ref); err != nil {
		return err
	}
	e.lastGeometry = geo
	e.lastFlags = flags
	e.lastFormat = dst.Format
	if e.RenderErr != nil {
		return e.RenderErr
	}
	e.stats.Renders++

	px := [4]byte{e.Color[2], e.Color[1], e.Color[0], e.Color[3]}
	if flags&pdfrenderer.FlagReverseByteOrder != 0 {
		px = e.Color
	}
	bpp := dst.Format.BytesPerPixel()
	x0, y0 := max(geo.StartX, 0), max(geo.StartY, 0)
	x1, y1 := min(geo.StartX+geo.SizeX, dst.Width), min(geo.StartY+geo.SizeY, dst.Height)
	for y := y0; y < y1; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := x0; x < x1; x++ {
			copy(row[x*bpp:x*bpp+bpp], px[:bpp])
		}
	}
	return nil
}

func (e *Engine) MetaText(ref pdfrenderer.DocumentRef, key string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.document(ref); err != nil {
		return "", err
	}
	return e.Meta[key], nil
}

// Stats returns a snapshot of the counters
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Initialized reports whether Init has run without a matching Shutdown
func (e *Engine) Initialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// LastRender returns the geometry, flags and bitmap format of the most
// recent RenderPage call
func (e *Engine) LastRender() (pdfrenderer.Geometry, pdfrenderer.RenderFlags, pdfrenderer.BitmapFormat) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastGeometry, e.lastFlags, e.lastFormat
}
