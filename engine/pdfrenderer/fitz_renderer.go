package pdfrenderer

import (
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"
)

// FitzEngine implements Engine using go-fitz (requires CGo and MuPDF).
// MuPDF reads the whole stream at open time, so block reads happen up front.
// go-fitz cannot authenticate, so encrypted documents fail with CodePassword
// even when the right password is given; use the PDFium engine for those.
type FitzEngine struct {
	initialized atomic.Bool
}

type fitzPage struct {
	doc   *fitz.Document
	index int
}

type fitzTextPage struct {
	text string
}

// NewFitzEngine creates a new Fitz-based engine
func NewFitzEngine() *FitzEngine {
	return &FitzEngine{}
}

// Init only marks the engine usable; MuPDF contexts are per document
func (e *FitzEngine) Init(cfg Config) error {
	e.initialized.Store(true)
	return nil
}

func (e *FitzEngine) Shutdown() error {
	e.initialized.Store(false)
	return nil
}

func fitzError(op string, err error) *Error {
	code := CodeUnknown
	switch {
	case errors.Is(err, fitz.ErrNeedsPassword):
		code = CodePassword
	case errors.Is(err, fitz.ErrOpenDocument), errors.Is(err, fitz.ErrOpenMemory):
		code = CodeFormat
	case errors.Is(err, fitz.ErrPageMissing), errors.Is(err, fitz.ErrLoadPage):
		code = CodePage
	}
	return &Error{Op: op, Code: code, Err: err}
}

func (e *FitzEngine) document(doc DocumentRef) (*fitz.Document, error) {
	if !e.initialized.Load() {
		return nil, ErrNotInitialized
	}
	d, ok := doc.(*fitz.Document)
	if !ok || d == nil {
		return nil, fmt.Errorf("not a fitz document: %T", doc)
	}
	return d, nil
}

func (e *FitzEngine) LoadDocument(r BlockReader, size int64, password string) (DocumentRef, error) {
	if !e.initialized.Load() {
		return nil, ErrNotInitialized
	}
	doc, err := fitz.NewFromReader(newBlockStream(r, size))
	if err != nil {
		return nil, fitzOpenError(err, password)
	}
	return doc, nil
}

var errFitzPassword = errors.New("fitz engine cannot open password protected documents")

func fitzOpenError(err error, password string) *Error {
	engineErr := fitzError("load document", err)
	switch {
	case engineErr.Code == CodeUnknown:
		// stream errors from the block reader surface as unreadable files
		engineErr.Code = CodeFile
	case engineErr.Code == CodePassword && password != "":
		engineErr.Err = fmt.Errorf("%w: %w", errFitzPassword, err)
	}
	return engineErr
}

func (e *FitzEngine) CloseDocument(doc DocumentRef) error {
	d, err := e.document(doc)
	if err != nil {
		return err
	}
	return d.Close()
}

func (e *FitzEngine) PageCount(doc DocumentRef) (int, error) {
	d, err := e.document(doc)
	if err != nil {
		return 0, err
	}
	return d.NumPage(), nil
}

func (e *FitzEngine) PageSize(doc DocumentRef, index int) (float64, float64, error) {
	d, err := e.document(doc)
	if err != nil {
		return 0, 0, err
	}
	bounds, err := d.Bound(index)
	if err != nil {
		return 0, 0, fitzError("page size", err)
	}
	return float64(bounds.Dx()), float64(bounds.Dy()), nil
}

func (e *FitzEngine) LoadPage(doc DocumentRef, index int) (PageRef, error) {
	d, err := e.document(doc)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= d.NumPage() {
		return nil, &Error{Op: "load page", Code: CodePage, Err: fitz.ErrPageMissing}
	}
	return &fitzPage{doc: d, index: index}, nil
}

func (e *FitzEngine) ClosePage(page PageRef) error {
	if _, ok := page.(*fitzPage); !ok {
		return fmt.Errorf("not a fitz page: %T", page)
	}
	return nil
}

func (e *FitzEngine) LoadTextPage(page PageRef) (TextPageRef, error) {
	p, ok := page.(*fitzPage)
	if !ok {
		return nil, fmt.Errorf("not a fitz page: %T", page)
	}
	text, err := p.doc.Text(p.index)
	if err != nil {
		return nil, fitzError("load text page", err)
	}
	return &fitzTextPage{text: text}, nil
}

func (e *FitzEngine) CloseTextPage(textPage TextPageRef) error {
	if _, ok := textPage.(*fitzTextPage); !ok {
		return fmt.Errorf("not a fitz text page: %T", textPage)
	}
	return nil
}

func (e *FitzEngine) TextCharCount(textPage TextPageRef) (int, error) {
	tp, ok := textPage.(*fitzTextPage)
	if !ok {
		return 0, fmt.Errorf("not a fitz text page: %T", textPage)
	}
	return utf8.RuneCountInString(tp.text), nil
}

// RenderPage rasterizes at the resolution closest to the requested size and
// resamples to the exact geometry. MuPDF always draws annotations.
func (e *FitzEngine) RenderPage(page PageRef, dst *Bitmap, geo Geometry, flags RenderFlags) error {
	p, ok := page.(*fitzPage)
	if !ok {
		return fmt.Errorf("not a fitz page: %T", page)
	}
	clip := image.Rect(geo.StartX, geo.StartY, geo.StartX+geo.SizeX, geo.StartY+geo.SizeY).
		Intersect(image.Rect(0, 0, dst.Width, dst.Height))
	if clip.Empty() {
		return nil
	}

	bounds, err := p.doc.Bound(p.index)
	if err != nil {
		return fitzError("render page", err)
	}
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return &Error{Op: "render page", Code: CodePage, Err: fmt.Errorf("empty page bounds %v", bounds)}
	}

	dpi := 72 * float64(geo.SizeX) / float64(bounds.Dx())
	img, err := p.doc.ImageDPI(p.index, dpi)
	if err != nil {
		return fitzError("render page", err)
	}
	scaled := imaging.Resize(img, geo.SizeX, geo.SizeY, imaging.Lanczos)

	reverse := flags&FlagReverseByteOrder != 0
	bpp := dst.Format.BytesPerPixel()
	for y := clip.Min.Y; y < clip.Max.Y; y++ {
		srcRow := scaled.Pix[(y-geo.StartY)*scaled.Stride:]
		dstRow := dst.Pix[y*dst.Stride:]
		for x := clip.Min.X; x < clip.Max.X; x++ {
			s := srcRow[(x-geo.StartX)*4:]
			d := dstRow[x*bpp:]
			if reverse {
				d[0], d[1], d[2] = s[0], s[1], s[2]
			} else {
				d[0], d[1], d[2] = s[2], s[1], s[0]
			}
			if bpp == 4 {
				d[3] = s[3]
			}
		}
	}
	return nil
}

// MetaText looks up a document information key such as "Title" or "ModDate"
func (e *FitzEngine) MetaText(doc DocumentRef, key string) (string, error) {
	d, err := e.document(doc)
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", nil
	}
	first, size := utf8.DecodeRuneInString(key)
	return d.Metadata()[string(unicode.ToLower(first))+key[size:]], nil
}
