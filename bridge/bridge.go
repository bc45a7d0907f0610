// Package bridge owns every engine object handed out to callers. Documents,
// pages and text pages are exposed as generation-checked handles; the engine
// is reference counted across open documents and every engine call for a
// document is serialized on that document.
package bridge

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/drummonds/pdfbridge/engine/pdfrenderer"
	"github.com/drummonds/pdfbridge/fsutil"
)

type document struct {
	// serializes engine calls for the document and everything loaded from it
	mu        sync.Mutex
	closed    bool
	ref       pdfrenderer.DocumentRef
	source    *trackedSource
	size      int64
	pageCount int
	pages     map[int]PageHandle
	textPages map[TextPageHandle]struct{}
}

type page struct {
	owner     *document
	ref       pdfrenderer.PageRef
	index     int
	textPages map[TextPageHandle]struct{}
}

type textPage struct {
	owner *document
	page  PageHandle
	ref   pdfrenderer.TextPageRef
}

// Bridge is the handle registry over one engine
type Bridge struct {
	engine pdfrenderer.Engine
	guard  *Guard

	mu        sync.Mutex
	docs      arena[*document]
	pages     arena[*page]
	textPages arena[*textPage]
}

// New creates a registry over engine. The engine is initialized lazily when
// the first document opens.
func New(engine pdfrenderer.Engine, onUnsupported func(pdfrenderer.UnsupportedFeature)) *Bridge {
	return &Bridge{
		engine: engine,
		guard:  NewGuard(engine, onUnsupported),
	}
}

// Guard exposes the engine lifecycle guard
func (b *Bridge) Guard() *Guard {
	return b.guard
}

// OpenDocument loads a document of declaredSize bytes that the engine pulls
// from src on demand. src is borrowed until the document is closed.
func (b *Bridge) OpenDocument(src BlockReader, declaredSize int64, password string) (DocumentHandle, error) {
	if src == nil {
		return 0, fmt.Errorf("%w: nil source", ErrInvalidArgument)
	}
	if declaredSize <= 0 {
		return 0, fmt.Errorf("%w: declared size %d", ErrInvalidArgument, declaredSize)
	}

	if err := b.guard.Acquire(); err != nil {
		return 0, err
	}

	source := &trackedSource{src: src}
	ref, err := b.engine.LoadDocument(source, declaredSize, password)
	if err != nil {
		if releaseErr := b.guard.Release(); releaseErr != nil {
			Logger.Warn("Release after failed open", "error", releaseErr)
		}
		kind := KindFromCode(pdfrenderer.CodeOf(err))
		if ioErr := source.firstError(); ioErr != nil {
			if kind == KindUnknown {
				kind = KindFileUnreadable
			}
			err = errors.Join(err, ioErr)
		}
		Logger.Debug("Document open failed", "kind", kind.String(), "error", err)
		return 0, &OpenError{Kind: kind, Err: err}
	}

	doc := &document{
		ref:       ref,
		source:    source,
		size:      declaredSize,
		pageCount: -1,
		pages:     make(map[int]PageHandle),
		textPages: make(map[TextPageHandle]struct{}),
	}
	b.mu.Lock()
	h := DocumentHandle(b.docs.insert(doc))
	b.mu.Unlock()

	Logger.Debug("Document opened", "handle", h.String(), "size", declaredSize)
	return h, nil
}

// OpenDescriptor opens the document behind fd. The descriptor stays owned by
// the caller and must remain open until the document is closed.
func (b *Bridge) OpenDescriptor(fd int, password string) (DocumentHandle, error) {
	if fd < 0 {
		return 0, fmt.Errorf("%w: bad descriptor %d", ErrInvalidArgument, fd)
	}
	size, err := fsutil.FileSizeForDescriptor(fd)
	if err != nil {
		return 0, fmt.Errorf("%w: document cannot be opened: %w", ErrInvalidArgument, err)
	}
	if size <= 0 {
		return 0, fmt.Errorf("%w: document cannot be opened: descriptor reports %d bytes", ErrInvalidArgument, size)
	}
	return b.OpenDocument(NewDescriptorReader(fd), size, password)
}

// OpenMemory opens a document held in data. data must not be modified until
// the document is closed.
func (b *Bridge) OpenMemory(data []byte, password string) (DocumentHandle, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: empty buffer", ErrInvalidArgument)
	}
	return b.OpenDocument(NewReaderAtSource(bytes.NewReader(data)), int64(len(data)), password)
}

func (b *Bridge) lookupDocument(h DocumentHandle) (*document, error) {
	b.mu.Lock()
	doc, ok := b.docs.get(Handle(h))
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, h)
	}
	return doc, nil
}

// lockDocument resolves h and returns the document locked. The caller must
// unlock it.
func (b *Bridge) lockDocument(h DocumentHandle) (*document, error) {
	doc, err := b.lookupDocument(h)
	if err != nil {
		return nil, err
	}
	doc.mu.Lock()
	if doc.closed {
		doc.mu.Unlock()
		return nil, fmt.Errorf("%w: document %s is closed", ErrNotFound, h)
	}
	return doc, nil
}

// CloseDocument closes every page and text page still open on the document,
// then the document, then drops its engine reference. Closing an unknown or
// already closed handle does nothing.
func (b *Bridge) CloseDocument(h DocumentHandle) error {
	doc, err := b.lookupDocument(h)
	if err != nil {
		return nil
	}

	doc.mu.Lock()
	if doc.closed {
		doc.mu.Unlock()
		return nil
	}
	doc.closed = true

	var textRefs []pdfrenderer.TextPageRef
	var pageRefs []pdfrenderer.PageRef
	b.mu.Lock()
	b.docs.remove(Handle(h))
	for tp := range doc.textPages {
		if removed, ok := b.textPages.remove(Handle(tp)); ok {
			textRefs = append(textRefs, removed.ref)
		}
	}
	for _, ph := range doc.pages {
		if removed, ok := b.pages.remove(Handle(ph)); ok {
			pageRefs = append(pageRefs, removed.ref)
		}
	}
	b.mu.Unlock()

	var result *multierror.Error
	for _, ref := range textRefs {
		if err := b.engine.CloseTextPage(ref); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, ref := range pageRefs {
		if err := b.engine.ClosePage(ref); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := b.engine.CloseDocument(doc.ref); err != nil {
		result = multierror.Append(result, err)
	}
	doc.pages = nil
	doc.textPages = nil
	doc.mu.Unlock()

	if err := b.guard.Release(); err != nil {
		result = multierror.Append(result, err)
	}
	Logger.Debug("Document closed", "handle", h.String(), "pages", len(pageRefs), "textPages", len(textRefs))
	return result.ErrorOrNil()
}

// pageCountLocked caches the engine page count; doc.mu must be held
func (b *Bridge) pageCountLocked(doc *document) (int, error) {
	if doc.pageCount >= 0 {
		return doc.pageCount, nil
	}
	count, err := b.engine.PageCount(doc.ref)
	if err != nil {
		return 0, err
	}
	doc.pageCount = count
	return count, nil
}

// PageCount returns the number of pages in the document
func (b *Bridge) PageCount(h DocumentHandle) (int, error) {
	doc, err := b.lockDocument(h)
	if err != nil {
		return 0, err
	}
	defer doc.mu.Unlock()
	return b.pageCountLocked(doc)
}

// PageSize returns the size of page index in pixels at dpi, computed as
// round(points * dpi / 72). Pages the engine cannot size report (0, 0).
func (b *Bridge) PageSize(h DocumentHandle, index, dpi int) (int, int, error) {
	doc, err := b.lockDocument(h)
	if err != nil {
		return 0, 0, err
	}
	defer doc.mu.Unlock()

	count, err := b.pageCountLocked(doc)
	if err != nil || index < 0 || index >= count || dpi <= 0 {
		return 0, 0, nil
	}
	width, height, err := b.engine.PageSize(doc.ref, index)
	if err != nil {
		Logger.Debug("Page size unavailable", "handle", h.String(), "page", index, "error", err)
		return 0, 0, nil
	}
	return pointsToPixels(width, dpi), pointsToPixels(height, dpi), nil
}

func pointsToPixels(points float64, dpi int) int {
	return int(math.Round(points * float64(dpi) / 72))
}

// ClampPageIndex restricts a user supplied page number to an existing page
func (b *Bridge) ClampPageIndex(h DocumentHandle, userPage int) (int, error) {
	count, err := b.PageCount(h)
	if err != nil {
		return 0, err
	}
	if userPage <= 0 || count == 0 {
		return 0, nil
	}
	if userPage >= count {
		return count - 1, nil
	}
	return userPage, nil
}

// LoadPage returns the handle of page index, loading it on first use.
// Loading an index that is already open returns the same handle.
func (b *Bridge) LoadPage(h DocumentHandle, index int) (PageHandle, error) {
	doc, err := b.lockDocument(h)
	if err != nil {
		return 0, err
	}
	defer doc.mu.Unlock()
	ph, _, err := b.loadPageLocked(doc, index)
	return ph, err
}

func (b *Bridge) loadPageLocked(doc *document, index int) (PageHandle, bool, error) {
	count, err := b.pageCountLocked(doc)
	if err != nil {
		return 0, false, fmt.Errorf("%w: page %d: %w", ErrNotFound, index, err)
	}
	if index < 0 || index >= count {
		return 0, false, fmt.Errorf("%w: page %d of %d", ErrNotFound, index, count)
	}

	if existing, ok := doc.pages[index]; ok {
		b.mu.Lock()
		_, live := b.pages.get(Handle(existing))
		b.mu.Unlock()
		if live {
			return existing, false, nil
		}
		delete(doc.pages, index)
	}

	ref, err := b.engine.LoadPage(doc.ref, index)
	if err != nil {
		return 0, false, fmt.Errorf("%w: page %d: %w", ErrNotFound, index, err)
	}
	p := &page{owner: doc, ref: ref, index: index, textPages: make(map[TextPageHandle]struct{})}
	b.mu.Lock()
	ph := PageHandle(b.pages.insert(p))
	b.mu.Unlock()
	doc.pages[index] = ph
	return ph, true, nil
}

// LoadPages loads pages from..to inclusive. If any page fails, the pages this
// call loaded are closed again.
func (b *Bridge) LoadPages(h DocumentHandle, from, to int) ([]PageHandle, error) {
	if from > to {
		return nil, fmt.Errorf("%w: page range %d..%d", ErrInvalidArgument, from, to)
	}
	doc, err := b.lockDocument(h)
	if err != nil {
		return nil, err
	}

	handles := make([]PageHandle, 0, to-from+1)
	var created []PageHandle
	for index := from; index <= to; index++ {
		ph, isNew, err := b.loadPageLocked(doc, index)
		if err != nil {
			doc.mu.Unlock()
			if closeErr := b.ClosePages(created); closeErr != nil {
				Logger.Warn("Closing partially loaded pages", "error", closeErr)
			}
			return nil, err
		}
		if isNew {
			created = append(created, ph)
		}
		handles = append(handles, ph)
	}
	doc.mu.Unlock()
	return handles, nil
}

func (b *Bridge) lookupPage(h PageHandle) (*page, error) {
	b.mu.Lock()
	p, ok := b.pages.get(Handle(h))
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: page %s", ErrNotFound, h)
	}
	return p, nil
}

// lockPage resolves h and returns the page with its owner locked. The caller
// must unlock p.owner.mu.
func (b *Bridge) lockPage(h PageHandle) (*page, error) {
	p, err := b.lookupPage(h)
	if err != nil {
		return nil, err
	}
	p.owner.mu.Lock()
	if p.owner.closed {
		p.owner.mu.Unlock()
		return nil, fmt.Errorf("%w: page %s belongs to a closed document", ErrNotFound, h)
	}
	b.mu.Lock()
	_, live := b.pages.get(Handle(h))
	b.mu.Unlock()
	if !live {
		p.owner.mu.Unlock()
		return nil, fmt.Errorf("%w: page %s", ErrNotFound, h)
	}
	return p, nil
}

// ClosePage closes the page and any text pages loaded from it. Closing an
// unknown or already closed handle does nothing.
func (b *Bridge) ClosePage(h PageHandle) error {
	p, err := b.lockPage(h)
	if err != nil {
		return nil
	}
	defer p.owner.mu.Unlock()

	var textRefs []pdfrenderer.TextPageRef
	b.mu.Lock()
	b.pages.remove(Handle(h))
	for tp := range p.textPages {
		if removed, ok := b.textPages.remove(Handle(tp)); ok {
			textRefs = append(textRefs, removed.ref)
		}
		delete(p.owner.textPages, tp)
	}
	b.mu.Unlock()
	if p.owner.pages[p.index] == h {
		delete(p.owner.pages, p.index)
	}

	var result *multierror.Error
	for _, ref := range textRefs {
		if err := b.engine.CloseTextPage(ref); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := b.engine.ClosePage(p.ref); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// ClosePages closes every page in handles, in any order, collecting all
// failures
func (b *Bridge) ClosePages(handles []PageHandle) error {
	var result *multierror.Error
	for _, h := range handles {
		if err := b.ClosePage(h); err != nil {
			result = multierror.Append(result, fmt.Errorf("page %s: %w", h, err))
		}
	}
	return result.ErrorOrNil()
}

// LoadTextPage prepares the text layer of a page
func (b *Bridge) LoadTextPage(h PageHandle) (TextPageHandle, error) {
	p, err := b.lockPage(h)
	if err != nil {
		return 0, err
	}
	defer p.owner.mu.Unlock()

	ref, err := b.engine.LoadTextPage(p.ref)
	if err != nil {
		return 0, fmt.Errorf("%w: text page for %s: %w", ErrNotFound, h, err)
	}
	b.mu.Lock()
	th := TextPageHandle(b.textPages.insert(&textPage{owner: p.owner, page: h, ref: ref}))
	b.mu.Unlock()
	p.textPages[th] = struct{}{}
	p.owner.textPages[th] = struct{}{}
	return th, nil
}

func (b *Bridge) lockTextPage(h TextPageHandle) (*textPage, error) {
	b.mu.Lock()
	tp, ok := b.textPages.get(Handle(h))
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: text page %s", ErrNotFound, h)
	}
	tp.owner.mu.Lock()
	b.mu.Lock()
	_, live := b.textPages.get(Handle(h))
	b.mu.Unlock()
	if tp.owner.closed || !live {
		tp.owner.mu.Unlock()
		return nil, fmt.Errorf("%w: text page %s", ErrNotFound, h)
	}
	return tp, nil
}

// CloseTextPage closes a text page without touching its page. Closing an
// unknown or already closed handle does nothing.
func (b *Bridge) CloseTextPage(h TextPageHandle) error {
	tp, err := b.lockTextPage(h)
	if err != nil {
		return nil
	}
	defer tp.owner.mu.Unlock()

	b.mu.Lock()
	b.textPages.remove(Handle(h))
	if p, ok := b.pages.get(Handle(tp.page)); ok {
		delete(p.textPages, h)
	}
	b.mu.Unlock()
	delete(tp.owner.textPages, h)

	return b.engine.CloseTextPage(tp.ref)
}

// TextCharCount returns the number of characters on a text page
func (b *Bridge) TextCharCount(h TextPageHandle) (int, error) {
	tp, err := b.lockTextPage(h)
	if err != nil {
		return 0, err
	}
	defer tp.owner.mu.Unlock()
	return b.engine.TextCharCount(tp.ref)
}

// MetaText returns the document information entry for key. Missing keys
// and empty values both return "".
func (b *Bridge) MetaText(h DocumentHandle, key string) (string, error) {
	doc, err := b.lockDocument(h)
	if err != nil {
		return "", err
	}
	defer doc.mu.Unlock()

	text, err := b.engine.MetaText(doc.ref, key)
	if err != nil {
		Logger.Debug("Metadata unavailable", "handle", h.String(), "key", key, "error", err)
		return "", nil
	}
	return strings.TrimRight(text, "\x00"), nil
}

// DocumentMeta is the standard document information dictionary
type DocumentMeta struct {
	Title        string `json:"title"`
	Author       string `json:"author"`
	Subject      string `json:"subject"`
	Keywords     string `json:"keywords"`
	Creator      string `json:"creator"`
	Producer     string `json:"producer"`
	CreationDate string `json:"creationDate"`
	ModDate      string `json:"modDate"`
}

// Meta reads all standard information entries
func (b *Bridge) Meta(h DocumentHandle) (DocumentMeta, error) {
	var meta DocumentMeta
	fields := []struct {
		key string
		dst *string
	}{
		{"Title", &meta.Title},
		{"Author", &meta.Author},
		{"Subject", &meta.Subject},
		{"Keywords", &meta.Keywords},
		{"Creator", &meta.Creator},
		{"Producer", &meta.Producer},
		{"CreationDate", &meta.CreationDate},
		{"ModDate", &meta.ModDate},
	}
	for _, field := range fields {
		text, err := b.MetaText(h, field.key)
		if err != nil {
			return DocumentMeta{}, err
		}
		*field.dst = text
	}
	return meta, nil
}

// Stats combines the guard counters with the live handle counts
type Stats struct {
	GuardStats
	Documents int `json:"documents"`
	Pages     int `json:"pages"`
	TextPages int `json:"textPages"`
}

func (b *Bridge) Stats() Stats {
	stats := Stats{GuardStats: b.guard.Stats()}
	b.mu.Lock()
	stats.Documents = b.docs.len()
	stats.Pages = b.pages.len()
	stats.TextPages = b.textPages.len()
	b.mu.Unlock()
	return stats
}
