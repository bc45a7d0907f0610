package pdfrenderer

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Logger is global since we will need it everywhere
var Logger = slog.Default()

// DocumentRef, PageRef and TextPageRef are engine-owned objects. They are
// opaque outside the engine that produced them.
type (
	DocumentRef any
	PageRef     any
	TextPageRef any
)

// BlockReader is the pull-based source an engine reads document bytes from.
// ReadBlock must fill all of p with the bytes starting at offset.
type BlockReader interface {
	ReadBlock(offset int64, p []byte) error
}

// BitmapFormat is the pixel layout of a Bitmap handed to RenderPage
type BitmapFormat int

const (
	// FormatBGRA is 4 bytes per pixel, RGBA order when rendered with FlagReverseByteOrder
	FormatBGRA BitmapFormat = iota
	// FormatBGR is 3 bytes per pixel, RGB order when rendered with FlagReverseByteOrder
	FormatBGR
)

// BytesPerPixel returns the pixel size of the format
func (f BitmapFormat) BytesPerPixel() int {
	if f == FormatBGR {
		return 3
	}
	return 4
}

// Bitmap is a caller-owned pixel buffer the engine renders into
type Bitmap struct {
	Width  int
	Height int
	Stride int
	Format BitmapFormat
	Pix    []byte
}

// Geometry places the page on the bitmap. The page is scaled to SizeX by
// SizeY pixels with its top-left corner at (StartX, StartY); parts falling
// outside the bitmap are clipped by the engine.
type Geometry struct {
	StartX int
	StartY int
	SizeX  int
	SizeY  int
}

// RenderFlags alter how a page is rendered
type RenderFlags uint32

const (
	FlagAnnotations RenderFlags = 1 << iota
	FlagReverseByteOrder
)

// Config is passed to Engine.Init once per lifecycle
type Config struct {
	// OnUnsupported is called for every unsupported feature the engine meets
	OnUnsupported func(UnsupportedFeature)
}

// Engine is the rendering/parsing capability the bridge delegates to.
// Implementations are not required to be safe for concurrent use on the same
// document; callers serialize access per document.
type Engine interface {
	Init(cfg Config) error
	Shutdown() error

	LoadDocument(r BlockReader, size int64, password string) (DocumentRef, error)
	CloseDocument(doc DocumentRef) error
	PageCount(doc DocumentRef) (int, error)
	// PageSize returns the page dimensions in points (1/72 inch)
	PageSize(doc DocumentRef, index int) (width, height float64, err error)
	LoadPage(doc DocumentRef, index int) (PageRef, error)
	ClosePage(page PageRef) error
	LoadTextPage(page PageRef) (TextPageRef, error)
	CloseTextPage(textPage TextPageRef) error
	TextCharCount(textPage TextPageRef) (int, error)
	RenderPage(page PageRef, dst *Bitmap, geo Geometry, flags RenderFlags) error
	MetaText(doc DocumentRef, key string) (string, error)
}

// New creates the engine registered under kind ("pdfium" or "fitz")
func New(kind string, opts Options) (Engine, error) {
	switch strings.ToLower(kind) {
	case "", "pdfium":
		return NewPDFiumEngine(opts), nil
	case "fitz", "mupdf":
		return NewFitzEngine(), nil
	default:
		return nil, fmt.Errorf("unknown engine %q (supported: pdfium, fitz)", kind)
	}
}

// ErrorCode is the status an engine reports for a failed call
type ErrorCode int

const (
	CodeSuccess ErrorCode = iota
	CodeUnknown
	CodeFile
	CodeFormat
	CodePassword
	CodeSecurity
	CodePage
)

func (c ErrorCode) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeFile:
		return "file"
	case CodeFormat:
		return "format"
	case CodePassword:
		return "password"
	case CodeSecurity:
		return "security"
	case CodePage:
		return "page"
	default:
		return "unknown"
	}
}

// Error is returned by engines when a call fails with a known status
type Error struct {
	Op   string
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s error: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s error", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the engine status from err, CodeUnknown when none is present
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeSuccess
	}
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Code
	}
	return CodeUnknown
}

// UnsupportedFeature identifies document content the engine cannot handle.
// Values follow the FPDF_UNSP_* numbering.
type UnsupportedFeature int

const (
	UnsupportedXFAForm UnsupportedFeature = iota + 1
	UnsupportedPortableCollection
	UnsupportedAttachment
	UnsupportedSecurity
	UnsupportedSharedReview
	UnsupportedSharedFormAcrobat
	UnsupportedSharedFormFilesystem
	UnsupportedSharedFormEmail
	Unsupported3DAnnot
	UnsupportedMovieAnnot
	UnsupportedSoundAnnot
	UnsupportedScreenMediaAnnot
	UnsupportedScreenRichMediaAnnot
	UnsupportedAnnotAttachment
	UnsupportedSignatureAnnot
)

func (f UnsupportedFeature) String() string {
	switch f {
	case UnsupportedXFAForm:
		return "XFA"
	case UnsupportedPortableCollection:
		return "Portfolios_Packages"
	case UnsupportedAttachment, UnsupportedAnnotAttachment:
		return "Attachment"
	case UnsupportedSecurity:
		return "Rights_Management"
	case UnsupportedSharedReview:
		return "Shared_Review"
	case UnsupportedSharedFormAcrobat, UnsupportedSharedFormFilesystem, UnsupportedSharedFormEmail:
		return "Shared_Form"
	case Unsupported3DAnnot:
		return "3D"
	case UnsupportedMovieAnnot:
		return "Movie"
	case UnsupportedSoundAnnot:
		return "Sound"
	case UnsupportedScreenMediaAnnot, UnsupportedScreenRichMediaAnnot:
		return "Screen"
	case UnsupportedSignatureAnnot:
		return "Digital_Signature"
	default:
		return "Unknown"
	}
}
