package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"

	"github.com/drummonds/pdfbridge/bridge"
	"github.com/drummonds/pdfbridge/database"
	"github.com/drummonds/pdfbridge/fsutil"
)

// maxCanvasSide bounds either side of a rendered image in pixels
const maxCanvasSide = 16384

// RegisterRoutes adds every API route to the handler's echo instance
func (serverHandler *ServerHandler) RegisterRoutes() {
	e := serverHandler.Echo

	// Document API routes
	e.GET("/api/documents", serverHandler.GetOpenDocuments)
	e.POST("/api/documents", serverHandler.OpenDocument)
	e.GET("/api/documents/:id", serverHandler.GetDocument)
	e.DELETE("/api/documents/:id", serverHandler.CloseDocument)
	e.GET("/api/documents/:id/meta/:key", serverHandler.GetMetaText)

	// Page API routes
	e.GET("/api/documents/:id/pages/:page/size", serverHandler.GetPageSize)
	e.GET("/api/documents/:id/pages/:page/render", serverHandler.RenderPage)
	e.GET("/api/documents/:id/pages/:page/text", serverHandler.GetTextCount)

	// Engine API routes
	e.GET("/api/engine", serverHandler.GetEngineStats)

	// Job tracking API routes
	e.GET("/api/jobs", serverHandler.GetRecentJobs)
	e.GET("/api/jobs/active", serverHandler.GetActiveJobs)
	e.GET("/api/jobs/:id", serverHandler.GetJob)
}

// statusFor maps a failed operation onto an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, bridge.ErrNotFound),
		errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, bridge.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, bridge.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	}
	switch bridge.KindOf(err) {
	case bridge.KindPassword:
		return http.StatusUnauthorized
	case bridge.KindBadFormat:
		return http.StatusUnsupportedMediaType
	case bridge.KindUnsupportedSecurity:
		return http.StatusUnprocessableEntity
	case bridge.KindPageError:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(c echo.Context, err error) error {
	body := map[string]interface{}{
		"error": err.Error(),
	}
	if kind := bridge.KindOf(err); kind != bridge.KindSuccess && kind != bridge.KindUnknown {
		body["kind"] = kind.String()
		body["message"] = kind.Message()
	}
	return c.JSON(statusFor(err), body)
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, map[string]interface{}{
		"error": message,
	})
}

func sessionID(c echo.Context) (ulid.ULID, error) {
	return ulid.Parse(c.Param("id"))
}

// queryInt reads an integer query parameter, def when absent
func queryInt(c echo.Context, name string, def int) (int, error) {
	value := c.QueryParam(name)
	if value == "" {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", bridge.ErrInvalidArgument, name)
	}
	return n, nil
}

func (serverHandler *ServerHandler) queryDPI(c echo.Context) (int, error) {
	dpi, err := queryInt(c, "dpi", serverHandler.ServerConfig.DefaultDPI)
	if err != nil {
		return 0, err
	}
	if dpi <= 0 {
		return 0, fmt.Errorf("%w: dpi must be positive", bridge.ErrInvalidArgument)
	}
	return dpi, nil
}

// pageParam resolves the :page parameter against the session
func pageParam(c echo.Context, live *liveSession) (int, error) {
	page, err := strconv.Atoi(c.Param("page"))
	if err != nil {
		return 0, fmt.Errorf("%w: page must be an integer", bridge.ErrInvalidArgument)
	}
	if page < 0 || page >= live.pageCount {
		return 0, fmt.Errorf("%w: page %d of %d", bridge.ErrNotFound, page, live.pageCount)
	}
	return page, nil
}

func (serverHandler *ServerHandler) liveSessionParam(c echo.Context) (*liveSession, error) {
	id, err := sessionID(c)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid session ID format", bridge.ErrInvalidArgument)
	}
	return serverHandler.session(id)
}

type openRequest struct {
	Path     string `json:"path"`
	Password string `json:"password"`
}

// OpenDocument opens an uploaded document, or one already on the server's disk
// @Summary Open a document
// @Description Spools a PDF and opens it for rendering. Accepts a multipart "file" upload or a JSON body with a server side "path" under OPEN_PATH_ROOT.
// @Tags Documents
// @Accept multipart/form-data,json
// @Produce json
// @Param file formData file false "PDF file"
// @Param password formData string false "Document password"
// @Success 201 {object} map[string]interface{} "Session id, page count and metadata"
// @Failure 400 {object} map[string]interface{} "Bad request"
// @Failure 401 {object} map[string]interface{} "Password required or incorrect"
// @Failure 403 {object} map[string]interface{} "Path opens disabled or outside the root"
// @Failure 415 {object} map[string]interface{} "Not a PDF"
// @Router /documents [post]
func (serverHandler *ServerHandler) OpenDocument(c echo.Context) error {
	request := c.Request()
	var (
		src      io.Reader
		fileName string
		password string
	)

	if strings.HasPrefix(request.Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		var body openRequest
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			return badRequest(c, "Invalid JSON body")
		}
		if body.Path == "" {
			return badRequest(c, "Missing path")
		}
		if serverHandler.ServerConfig.OpenPathRoot == "" {
			return c.JSON(http.StatusForbidden, map[string]interface{}{
				"error": "Opening documents by path is disabled",
			})
		}
		path, err := fsutil.ResolvePath(body.Path)
		if err != nil {
			return badRequest(c, "Invalid path")
		}
		if !withinRoot(serverHandler.ServerConfig.OpenPathRoot, path) {
			Logger.Warn("Path open outside root refused", "path", path, "root", serverHandler.ServerConfig.OpenPathRoot)
			return c.JSON(http.StatusForbidden, map[string]interface{}{
				"error": "Path is outside the open path root",
			})
		}
		kind, err := fsutil.IdentifyPath(path)
		if err != nil || kind != fsutil.PathFile {
			return c.JSON(http.StatusNotFound, map[string]interface{}{
				"error": "Not a regular file",
				"path":  path,
			})
		}
		file, err := os.Open(path)
		if err != nil {
			Logger.Error("Unable to open document", "path", path, "error", err)
			return c.JSON(http.StatusNotFound, map[string]interface{}{
				"error": "Unable to open file",
				"path":  path,
			})
		}
		defer file.Close()
		src, fileName, password = file, filepath.Base(path), body.Password
	} else {
		file, fileHeader, err := request.FormFile("file")
		if err != nil {
			Logger.Debug("Problem finding file in upload", "error", err)
			return badRequest(c, "Missing file upload")
		}
		defer file.Close()
		src, fileName, password = file, fileHeader.Filename, request.FormValue("password")
	}

	session, meta, err := serverHandler.OpenSession(src, fileName, password)
	if err != nil {
		Logger.Warn("Unable to open document", "file", fileName, "error", err)
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"id":        session.ID.String(),
		"fileName":  session.FileName,
		"pageCount": session.PageCount,
		"size":      session.Size,
		"meta":      meta,
	})
}

// GetOpenDocuments lists the sessions with an open document
// @Summary List open documents
// @Tags Documents
// @Produce json
// @Success 200 {array} database.Session "Open sessions"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /documents [get]
func (serverHandler *ServerHandler) GetOpenDocuments(c echo.Context) error {
	sessions, err := serverHandler.DB.GetOpenSessions()
	if err != nil {
		Logger.Error("Failed to list sessions", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "Failed to retrieve sessions",
		})
	}
	if sessions == nil {
		sessions = []database.Session{}
	}
	return c.JSON(http.StatusOK, sessions)
}

// GetDocument returns the session record, plus live metadata while it is open
// @Summary Get a document session
// @Tags Documents
// @Produce json
// @Param id path string true "Session ID (ULID)"
// @Success 200 {object} map[string]interface{} "Session and metadata"
// @Failure 400 {object} map[string]interface{} "Invalid session ID"
// @Failure 404 {object} map[string]interface{} "Session not found"
// @Router /documents/{id} [get]
func (serverHandler *ServerHandler) GetDocument(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return badRequest(c, "Invalid session ID format")
	}
	session, err := serverHandler.DB.GetSession(id)
	if err != nil {
		return errorResponse(c, err)
	}

	response := map[string]interface{}{
		"session": session,
		"live":    false,
	}
	if live, err := serverHandler.session(id); err == nil {
		meta, err := serverHandler.Bridge.Meta(live.doc)
		if err != nil {
			return errorResponse(c, err)
		}
		response["live"] = true
		response["meta"] = meta
	}
	return c.JSON(http.StatusOK, response)
}

// CloseDocument closes a session and releases its document
// @Summary Close a document
// @Tags Documents
// @Produce json
// @Param id path string true "Session ID (ULID)"
// @Success 200 {object} map[string]interface{} "Document closed"
// @Failure 404 {object} map[string]interface{} "Session not found"
// @Router /documents/{id} [delete]
func (serverHandler *ServerHandler) CloseDocument(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return badRequest(c, "Invalid session ID format")
	}
	if err := serverHandler.CloseSession(id, "client"); err != nil {
		Logger.Warn("Problem closing session", "session", id.String(), "error", err)
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "Document closed",
		"id":      id.String(),
	})
}

// GetMetaText returns one document information entry
// @Summary Get a metadata entry
// @Tags Documents
// @Produce json
// @Param id path string true "Session ID (ULID)"
// @Param key path string true "Entry name, eg Title or Author"
// @Success 200 {object} map[string]interface{} "Key and value"
// @Router /documents/{id}/meta/{key} [get]
func (serverHandler *ServerHandler) GetMetaText(c echo.Context) error {
	live, err := serverHandler.liveSessionParam(c)
	if err != nil {
		return errorResponse(c, err)
	}
	key := c.Param("key")
	value, err := serverHandler.Bridge.MetaText(live.doc, key)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"key":   key,
		"value": value,
	})
}

// GetPageSize returns a page's pixel size at a resolution
// @Summary Get page size
// @Tags Pages
// @Produce json
// @Param id path string true "Session ID (ULID)"
// @Param page path int true "Zero based page index"
// @Param dpi query int false "Resolution (default: DEFAULT_DPI)"
// @Success 200 {object} map[string]interface{} "Width and height in pixels"
// @Router /documents/{id}/pages/{page}/size [get]
func (serverHandler *ServerHandler) GetPageSize(c echo.Context) error {
	live, err := serverHandler.liveSessionParam(c)
	if err != nil {
		return errorResponse(c, err)
	}
	page, err := pageParam(c, live)
	if err != nil {
		return errorResponse(c, err)
	}
	dpi, err := serverHandler.queryDPI(c)
	if err != nil {
		return errorResponse(c, err)
	}
	width, height, err := serverHandler.Bridge.PageSize(live.doc, page, dpi)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"page":   page,
		"dpi":    dpi,
		"width":  width,
		"height": height,
	})
}

// GetTextCount returns the number of characters on a page
// @Summary Count page characters
// @Tags Pages
// @Produce json
// @Param id path string true "Session ID (ULID)"
// @Param page path int true "Zero based page index"
// @Success 200 {object} map[string]interface{} "Character count"
// @Router /documents/{id}/pages/{page}/text [get]
func (serverHandler *ServerHandler) GetTextCount(c echo.Context) error {
	live, err := serverHandler.liveSessionParam(c)
	if err != nil {
		return errorResponse(c, err)
	}
	page, err := pageParam(c, live)
	if err != nil {
		return errorResponse(c, err)
	}
	pageHandle, err := serverHandler.Bridge.LoadPage(live.doc, page)
	if err != nil {
		return errorResponse(c, err)
	}
	textPage, err := serverHandler.Bridge.LoadTextPage(pageHandle)
	if err != nil {
		return errorResponse(c, err)
	}
	defer serverHandler.Bridge.CloseTextPage(textPage)

	chars, err := serverHandler.Bridge.TextCharCount(textPage)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"page":  page,
		"chars": chars,
	})
}

// renderParams is a parsed render query
type renderParams struct {
	format bridge.PixelFormat
	width  int
	height int
	req    bridge.RenderRequest
}

// parseRenderParams reads the canvas and draw geometry. width and height size
// the image, defaulting to the page at dpi. x, y, w and h place the page on
// it, defaulting to the whole image; slice=left,top,right,bottom instead
// picks a page-relative region to fill the image with.
func (serverHandler *ServerHandler) parseRenderParams(c echo.Context, live *liveSession, page int) (renderParams, error) {
	var params renderParams
	dpi, err := serverHandler.queryDPI(c)
	if err != nil {
		return params, err
	}
	if params.format, err = bridge.ParsePixelFormat(c.QueryParam("format")); err != nil {
		return params, err
	}

	annotations := serverHandler.ServerConfig.RenderAnnotations
	if value := c.QueryParam("annotations"); value != "" {
		if annotations, err = strconv.ParseBool(value); err != nil {
			return params, fmt.Errorf("%w: annotations must be a boolean", bridge.ErrInvalidArgument)
		}
	}

	pageWidth, pageHeight, err := serverHandler.Bridge.PageSize(live.doc, page, dpi)
	if err != nil {
		return params, err
	}
	if params.width, err = queryInt(c, "width", pageWidth); err != nil {
		return params, err
	}
	if params.height, err = queryInt(c, "height", pageHeight); err != nil {
		return params, err
	}
	if params.width <= 0 || params.height <= 0 || params.width > maxCanvasSide || params.height > maxCanvasSide {
		return params, fmt.Errorf("%w: image size %dx%d outside 1..%d", bridge.ErrInvalidArgument, params.width, params.height, maxCanvasSide)
	}

	params.req = bridge.RenderRequest{DPI: dpi, Annotations: annotations}
	if value := c.QueryParam("slice"); value != "" {
		slice, err := parseSlice(value)
		if err != nil {
			return params, err
		}
		bounds, err := bridge.SliceBounds(params.width, params.height, slice)
		if err != nil {
			return params, err
		}
		params.req.X, params.req.Y = bounds.Min.X, bounds.Min.Y
		params.req.Width, params.req.Height = bounds.Dx(), bounds.Dy()
		return params, nil
	}

	fields := []struct {
		name string
		def  int
		dst  *int
	}{
		{"x", 0, &params.req.X},
		{"y", 0, &params.req.Y},
		{"w", params.width, &params.req.Width},
		{"h", params.height, &params.req.Height},
	}
	for _, field := range fields {
		if *field.dst, err = queryInt(c, field.name, field.def); err != nil {
			return params, err
		}
	}
	if params.req.Width <= 0 || params.req.Height <= 0 || params.req.Width > bridge.MaxDrawSide || params.req.Height > bridge.MaxDrawSide {
		return params, fmt.Errorf("%w: draw size %dx%d outside 1..%d", bridge.ErrInvalidArgument, params.req.Width, params.req.Height, bridge.MaxDrawSide)
	}
	return params, nil
}

// withinRoot reports whether the resolved path lies under root once the
// root's own symlinks are resolved
func withinRoot(root, path string) bool {
	resolvedRoot, err := fsutil.ResolvePath(root)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(resolvedRoot, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func parseSlice(value string) (bridge.Slice, error) {
	parts := strings.Split(value, ",")
	if len(parts) != 4 {
		return bridge.Slice{}, fmt.Errorf("%w: slice needs left,top,right,bottom", bridge.ErrInvalidArgument)
	}
	var edges [4]float64
	for i, part := range parts {
		edge, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || edge < 0 || edge > 1 {
			return bridge.Slice{}, fmt.Errorf("%w: slice edge %q outside 0..1", bridge.ErrInvalidArgument, part)
		}
		edges[i] = edge
	}
	return bridge.Slice{Left: edges[0], Top: edges[1], Right: edges[2], Bottom: edges[3]}, nil
}

// RenderPage rasterizes a page and returns it as PNG
// @Summary Render a page
// @Description Rasterizes a page into an RGBA or RGB565 buffer and returns it encoded as PNG. The job id is returned in X-Job-ID.
// @Tags Pages
// @Produce png
// @Param id path string true "Session ID (ULID)"
// @Param page path int true "Zero based page index"
// @Param dpi query int false "Resolution (default: DEFAULT_DPI)"
// @Param format query string false "rgba or rgb565"
// @Param width query int false "Image width in pixels"
// @Param height query int false "Image height in pixels"
// @Param x query int false "Page left edge on the image"
// @Param y query int false "Page top edge on the image"
// @Param w query int false "Drawn page width"
// @Param h query int false "Drawn page height"
// @Param slice query string false "Page region left,top,right,bottom in 0..1"
// @Param annotations query bool false "Draw annotations"
// @Success 200 {file} binary "PNG image"
// @Failure 400 {object} map[string]interface{} "Bad request"
// @Failure 404 {object} map[string]interface{} "Session or page not found"
// @Router /documents/{id}/pages/{page}/render [get]
func (serverHandler *ServerHandler) RenderPage(c echo.Context) error {
	live, err := serverHandler.liveSessionParam(c)
	if err != nil {
		return errorResponse(c, err)
	}
	page, err := pageParam(c, live)
	if err != nil {
		return errorResponse(c, err)
	}
	params, err := serverHandler.parseRenderParams(c, live, page)
	if err != nil {
		return errorResponse(c, err)
	}

	job, err := serverHandler.DB.CreateJob(database.JobTypeRender, fmt.Sprintf("Render page %d of %s", page, live.id))
	if err != nil {
		Logger.Error("Failed to create render job", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "Failed to create job",
		})
	}
	c.Response().Header().Set("X-Job-ID", job.ID.String())

	if err := serverHandler.renders.Acquire(c.Request().Context(), 1); err != nil {
		if jobErr := serverHandler.DB.UpdateJobError(job.ID, err.Error()); jobErr != nil {
			Logger.Error("Failed to record cancelled render", "job", job.ID.String(), "error", jobErr)
		}
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"error": "Render cancelled while waiting",
		})
	}
	defer serverHandler.renders.Release(1)

	if err := serverHandler.DB.UpdateJobStatus(job.ID, database.JobStatusRunning, "Rendering"); err != nil {
		Logger.Error("Failed to mark render running", "job", job.ID.String(), "error", err)
	}
	start := time.Now()
	png, err := serverHandler.renderPNG(live, page, params)
	if err != nil {
		Logger.Warn("Render failed", "session", live.id.String(), "page", page, "error", err)
		if jobErr := serverHandler.DB.UpdateJobError(job.ID, err.Error()); jobErr != nil {
			Logger.Error("Failed to record render failure", "job", job.ID.String(), "error", jobErr)
		}
		return errorResponse(c, err)
	}

	result, _ := json.Marshal(database.RenderResult{
		SessionID:  live.id.String(),
		Page:       page,
		Width:      params.width,
		Height:     params.height,
		Format:     params.format.String(),
		DPI:        params.req.DPI,
		Bytes:      len(png),
		DurationMs: time.Since(start).Milliseconds(),
	})
	if err := serverHandler.DB.CompleteJob(job.ID, string(result)); err != nil {
		Logger.Error("Failed to complete render job", "job", job.ID.String(), "error", err)
	}
	return c.Blob(http.StatusOK, "image/png", png)
}

func (serverHandler *ServerHandler) renderPNG(live *liveSession, page int, params renderParams) ([]byte, error) {
	pageHandle, err := serverHandler.Bridge.LoadPage(live.doc, page)
	if err != nil {
		return nil, err
	}
	canvas, err := bridge.NewCanvas(params.width, params.height, params.format)
	if err != nil {
		return nil, err
	}
	if err := serverHandler.Bridge.Render(pageHandle, canvas, params.req); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, canvas.Image(), imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// GetEngineStats reports the engine lifecycle counters and live handles
// @Summary Engine statistics
// @Tags Engine
// @Produce json
// @Success 200 {object} map[string]interface{} "Lifecycle and handle counts"
// @Router /engine [get]
func (serverHandler *ServerHandler) GetEngineStats(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"engine":   serverHandler.ServerConfig.Engine,
		"stats":    serverHandler.Bridge.Stats(),
		"sessions": serverHandler.sessions.len(),
	})
}
