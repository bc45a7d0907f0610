package pdfrenderer

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/klippa-app/go-pdfium"
	"github.com/klippa-app/go-pdfium/enums"
	pdfium_errors "github.com/klippa-app/go-pdfium/errors"
	"github.com/klippa-app/go-pdfium/references"
	"github.com/klippa-app/go-pdfium/requests"
	"github.com/klippa-app/go-pdfium/webassembly"
)

// ErrNotInitialized is returned when an engine call is made outside Init/Shutdown
var ErrNotInitialized = errors.New("engine not initialized")

// Options tunes the PDFium WebAssembly worker pool
type Options struct {
	MinIdle         int
	MaxIdle         int
	MaxTotal        int
	InstanceTimeout time.Duration
}

// PDFiumEngine implements Engine using go-pdfium with WebAssembly (pure Go, no CGo)
type PDFiumEngine struct {
	opts Options

	// guards the instance, which is single threaded
	mu       sync.Mutex
	pool     pdfium.Pool
	instance pdfium.Pdfium
}

// NewPDFiumEngine creates an uninitialized PDFium engine
func NewPDFiumEngine(opts Options) *PDFiumEngine {
	if opts.MaxTotal <= 0 {
		opts.MinIdle, opts.MaxIdle, opts.MaxTotal = 1, 1, 1
	}
	if opts.InstanceTimeout <= 0 {
		opts.InstanceTimeout = 30 * time.Second
	}
	return &PDFiumEngine{opts: opts}
}

// Init starts the WebAssembly pool and takes one instance from it
func (e *PDFiumEngine) Init(cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.instance != nil {
		return nil
	}

	pool, err := webassembly.Init(webassembly.Config{
		MinIdle:  e.opts.MinIdle,
		MaxIdle:  e.opts.MaxIdle,
		MaxTotal: e.opts.MaxTotal,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize PDFium WebAssembly: %w", err)
	}

	instance, err := pool.GetInstance(e.opts.InstanceTimeout)
	if err != nil {
		pool.Close()
		return fmt.Errorf("failed to get PDFium instance: %w", err)
	}

	if cfg.OnUnsupported != nil {
		onUnsupported := cfg.OnUnsupported
		_, err = instance.FSDK_SetUnSpObjProcessHandler(&requests.FSDK_SetUnSpObjProcessHandler{
			UnSpObjProcessHandler: func(unsupportedType enums.FPDF_UNSP) {
				onUnsupported(UnsupportedFeature(unsupportedType))
			},
		})
		if err != nil {
			Logger.Warn("Unable to register unsupported feature handler", "error", err)
		}
	}

	e.pool = pool
	e.instance = instance
	return nil
}

// Shutdown closes the pool and all of its instances
func (e *PDFiumEngine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	if e.pool != nil {
		err = e.pool.Close()
		e.pool = nil
	}
	e.instance = nil
	return err
}

// pdfiumError maps go-pdfium errors onto engine status codes
func pdfiumError(op string, err error) error {
	code := CodeUnknown
	switch {
	case errors.Is(err, pdfium_errors.ErrFile):
		code = CodeFile
	case errors.Is(err, pdfium_errors.ErrFormat):
		code = CodeFormat
	case errors.Is(err, pdfium_errors.ErrPassword):
		code = CodePassword
	case errors.Is(err, pdfium_errors.ErrSecurity):
		code = CodeSecurity
	case errors.Is(err, pdfium_errors.ErrPage):
		code = CodePage
	}
	return &Error{Op: op, Code: code, Err: err}
}

func (e *PDFiumEngine) lockInstance() (pdfium.Pdfium, error) {
	e.mu.Lock()
	if e.instance == nil {
		e.mu.Unlock()
		return nil, ErrNotInitialized
	}
	return e.instance, nil
}

func documentRef(doc DocumentRef) (references.FPDF_DOCUMENT, error) {
	ref, ok := doc.(references.FPDF_DOCUMENT)
	if !ok {
		return "", fmt.Errorf("not a pdfium document: %T", doc)
	}
	return ref, nil
}

func pageRef(page PageRef) (references.FPDF_PAGE, error) {
	ref, ok := page.(references.FPDF_PAGE)
	if !ok {
		return "", fmt.Errorf("not a pdfium page: %T", page)
	}
	return ref, nil
}

// LoadDocument opens a document that PDFium pulls block by block from r
func (e *PDFiumEngine) LoadDocument(r BlockReader, size int64, password string) (DocumentRef, error) {
	instance, err := e.lockInstance()
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	request := &requests.FPDF_LoadCustomDocument{
		Reader: newBlockStream(r, size),
		Size:   size,
	}
	if password != "" {
		request.Password = &password
	}
	doc, err := instance.FPDF_LoadCustomDocument(request)
	if err != nil {
		return nil, pdfiumError("load document", err)
	}
	return doc.Document, nil
}

func (e *PDFiumEngine) CloseDocument(doc DocumentRef) error {
	ref, err := documentRef(doc)
	if err != nil {
		return err
	}
	instance, err := e.lockInstance()
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if _, err := instance.FPDF_CloseDocument(&requests.FPDF_CloseDocument{Document: ref}); err != nil {
		return pdfiumError("close document", err)
	}
	return nil
}

func (e *PDFiumEngine) PageCount(doc DocumentRef) (int, error) {
	ref, err := documentRef(doc)
	if err != nil {
		return 0, err
	}
	instance, err := e.lockInstance()
	if err != nil {
		return 0, err
	}
	defer e.mu.Unlock()

	resp, err := instance.FPDF_GetPageCount(&requests.FPDF_GetPageCount{Document: ref})
	if err != nil {
		return 0, pdfiumError("page count", err)
	}
	return resp.PageCount, nil
}

func (e *PDFiumEngine) PageSize(doc DocumentRef, index int) (float64, float64, error) {
	ref, err := documentRef(doc)
	if err != nil {
		return 0, 0, err
	}
	instance, err := e.lockInstance()
	if err != nil {
		return 0, 0, err
	}
	defer e.mu.Unlock()

	resp, err := instance.FPDF_GetPageSizeByIndex(&requests.FPDF_GetPageSizeByIndex{
		Document: ref,
		Index:    index,
	})
	if err != nil {
		return 0, 0, pdfiumError("page size", err)
	}
	return resp.Width, resp.Height, nil
}

func (e *PDFiumEngine) LoadPage(doc DocumentRef, index int) (PageRef, error) {
	ref, err := documentRef(doc)
	if err != nil {
		return nil, err
	}
	instance, err := e.lockInstance()
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	resp, err := instance.FPDF_LoadPage(&requests.FPDF_LoadPage{Document: ref, Index: index})
	if err != nil {
		return nil, pdfiumError("load page", err)
	}
	return resp.Page, nil
}

func (e *PDFiumEngine) ClosePage(page PageRef) error {
	ref, err := pageRef(page)
	if err != nil {
		return err
	}
	instance, err := e.lockInstance()
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if _, err := instance.FPDF_ClosePage(&requests.FPDF_ClosePage{Page: ref}); err != nil {
		return pdfiumError("close page", err)
	}
	return nil
}

func (e *PDFiumEngine) LoadTextPage(page PageRef) (TextPageRef, error) {
	ref, err := pageRef(page)
	if err != nil {
		return nil, err
	}
	instance, err := e.lockInstance()
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	resp, err := instance.FPDFText_LoadPage(&requests.FPDFText_LoadPage{
		Page: requests.Page{ByReference: &ref},
	})
	if err != nil {
		return nil, pdfiumError("load text page", err)
	}
	return resp.TextPage, nil
}

func (e *PDFiumEngine) CloseTextPage(textPage TextPageRef) error {
	ref, ok := textPage.(references.FPDF_TEXTPAGE)
	if !ok {
		return fmt.Errorf("not a pdfium text page: %T", textPage)
	}
	instance, err := e.lockInstance()
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if _, err := instance.FPDFText_ClosePage(&requests.FPDFText_ClosePage{TextPage: ref}); err != nil {
		return pdfiumError("close text page", err)
	}
	return nil
}

func (e *PDFiumEngine) TextCharCount(textPage TextPageRef) (int, error) {
	ref, ok := textPage.(references.FPDF_TEXTPAGE)
	if !ok {
		return 0, fmt.Errorf("not a pdfium text page: %T", textPage)
	}
	instance, err := e.lockInstance()
	if err != nil {
		return 0, err
	}
	defer e.mu.Unlock()

	resp, err := instance.FPDFText_CountChars(&requests.FPDFText_CountChars{TextPage: ref})
	if err != nil {
		return 0, pdfiumError("count chars", err)
	}
	return resp.Count, nil
}

// RenderPage renders into a PDFium-owned bitmap and copies the covered
// rectangle back into dst. Pixels of dst outside the page rectangle are left
// untouched.
func (e *PDFiumEngine) RenderPage(page PageRef, dst *Bitmap, geo Geometry, flags RenderFlags) error {
	ref, err := pageRef(page)
	if err != nil {
		return err
	}
	clip := image.Rect(geo.StartX, geo.StartY, geo.StartX+geo.SizeX, geo.StartY+geo.SizeY).
		Intersect(image.Rect(0, 0, dst.Width, dst.Height))
	if clip.Empty() {
		return nil
	}

	instance, err := e.lockInstance()
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	bitmap, err := instance.FPDFBitmap_Create(&requests.FPDFBitmap_Create{
		Width:  dst.Width,
		Height: dst.Height,
		Alpha:  1,
	})
	if err != nil {
		return pdfiumError("create bitmap", err)
	}
	defer instance.FPDFBitmap_Destroy(&requests.FPDFBitmap_Destroy{Bitmap: bitmap.Bitmap})

	// Page background is white, the way a viewer shows it
	_, err = instance.FPDFBitmap_FillRect(&requests.FPDFBitmap_FillRect{
		Bitmap: bitmap.Bitmap,
		Left:   clip.Min.X,
		Top:    clip.Min.Y,
		Width:  clip.Dx(),
		Height: clip.Dy(),
		Color:  0xFFFFFFFF,
	})
	if err != nil {
		return pdfiumError("fill bitmap", err)
	}

	var renderFlags enums.FPDF_RENDER_FLAG
	if flags&FlagAnnotations != 0 {
		renderFlags |= enums.FPDF_RENDER_FLAG_ANNOT
	}
	if flags&FlagReverseByteOrder != 0 {
		renderFlags |= enums.FPDF_RENDER_FLAG_REVERSE_BYTE_ORDER
	}

	_, err = instance.FPDF_RenderPageBitmap(&requests.FPDF_RenderPageBitmap{
		Bitmap: bitmap.Bitmap,
		Page:   requests.Page{ByReference: &ref},
		StartX: geo.StartX,
		StartY: geo.StartY,
		SizeX:  geo.SizeX,
		SizeY:  geo.SizeY,
		Rotate: enums.FPDF_PAGE_ROTATION_NONE,
		Flags:  renderFlags,
	})
	if err != nil {
		return pdfiumError("render page", err)
	}

	buffer, err := instance.FPDFBitmap_GetBuffer(&requests.FPDFBitmap_GetBuffer{Bitmap: bitmap.Bitmap})
	if err != nil {
		return pdfiumError("bitmap buffer", err)
	}
	stride, err := instance.FPDFBitmap_GetStride(&requests.FPDFBitmap_GetStride{Bitmap: bitmap.Bitmap})
	if err != nil {
		return pdfiumError("bitmap stride", err)
	}

	copyClipped(dst, buffer.Buffer, stride.Stride, clip.Min.X, clip.Min.Y, clip.Max.X, clip.Max.Y)
	return nil
}

func (e *PDFiumEngine) MetaText(doc DocumentRef, key string) (string, error) {
	ref, err := documentRef(doc)
	if err != nil {
		return "", err
	}
	instance, err := e.lockInstance()
	if err != nil {
		return "", err
	}
	defer e.mu.Unlock()

	resp, err := instance.FPDF_GetMetaText(&requests.FPDF_GetMetaText{Document: ref, Tag: key})
	if err != nil {
		return "", pdfiumError("meta text", err)
	}
	return resp.Value, nil
}
