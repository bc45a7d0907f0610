package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/drummonds/pdfbridge/bridge"
	"github.com/drummonds/pdfbridge/config"
	"github.com/drummonds/pdfbridge/database"
	"github.com/drummonds/pdfbridge/fsutil"
)

// ErrSessionNotFound is returned for session ids with no open document
var ErrSessionNotFound = errors.New("session not found")

// ServerHandler will inject the variables needed into routes
type ServerHandler struct {
	Bridge       *bridge.Bridge
	DB           database.Repository
	Echo         *echo.Echo
	ServerConfig config.ServerConfig

	sessions *sessionTable
	renders  *semaphore.Weighted
	cron     *cron.Cron
}

// NewServerHandler wires the bridge and repository into a handler. Routes are
// added with RegisterRoutes.
func NewServerHandler(b *bridge.Bridge, db database.Repository, e *echo.Echo, serverConfig config.ServerConfig) *ServerHandler {
	renders := serverConfig.MaxConcurrentRenders
	if renders <= 0 {
		renders = 1
	}
	return &ServerHandler{
		Bridge:       b,
		DB:           db,
		Echo:         e,
		ServerConfig: serverConfig,
		sessions:     &sessionTable{live: make(map[ulid.ULID]*liveSession)},
		renders:      semaphore.NewWeighted(int64(renders)),
	}
}

// liveSession is an open document and the spool file backing it. file must
// stay open for as long as doc is, the engine reads through its descriptor.
type liveSession struct {
	id        ulid.ULID
	doc       bridge.DocumentHandle
	file      *os.File
	spoolPath string
	pageCount int
}

type sessionTable struct {
	mu   sync.Mutex
	live map[ulid.ULID]*liveSession
}

func (t *sessionTable) add(s *liveSession) {
	t.mu.Lock()
	t.live[s.id] = s
	t.mu.Unlock()
}

func (t *sessionTable) get(id ulid.ULID) (*liveSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.live[id]
	return s, ok
}

func (t *sessionTable) remove(id ulid.ULID) (*liveSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.live[id]
	if ok {
		delete(t.live, id)
	}
	return s, ok
}

func (t *sessionTable) ids() []ulid.ULID {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]ulid.ULID, 0, len(t.live))
	for id := range t.live {
		ids = append(ids, id)
	}
	return ids
}

func (t *sessionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// spoolDocument copies src into the spool directory under the session id
func (serverHandler *ServerHandler) spoolDocument(id ulid.ULID, src io.Reader) (string, int64, error) {
	if err := fsutil.Mkdir(serverHandler.ServerConfig.SpoolPath, true, spoolDirMode(serverHandler.ServerConfig)); err != nil {
		return "", 0, fmt.Errorf("create spool directory: %w", err)
	}
	spoolPath := filepath.Join(serverHandler.ServerConfig.SpoolPath, id.String()+".pdf")
	out, err := os.OpenFile(spoolPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("create spool file: %w", err)
	}
	written, err := io.Copy(out, src)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(spoolPath)
		return "", 0, fmt.Errorf("write spool file: %w", err)
	}
	Logger.Debug("Document spooled", "session", id.String(), "path", spoolPath, "bytes", written)
	return spoolPath, written, nil
}

// OpenSession spools src, opens it through its descriptor and records the
// session. On failure nothing is left behind.
func (serverHandler *ServerHandler) OpenSession(src io.Reader, fileName, password string) (*database.Session, bridge.DocumentMeta, error) {
	now := time.Now()
	id, err := database.CalculateUUID(now)
	if err != nil {
		return nil, bridge.DocumentMeta{}, err
	}

	spoolPath, size, err := serverHandler.spoolDocument(id, src)
	if err != nil {
		return nil, bridge.DocumentMeta{}, err
	}
	file, err := os.Open(spoolPath)
	if err != nil {
		os.Remove(spoolPath)
		return nil, bridge.DocumentMeta{}, fmt.Errorf("reopen spool file: %w", err)
	}

	live := &liveSession{id: id, file: file, spoolPath: spoolPath}
	discard := func() {
		file.Close()
		os.Remove(spoolPath)
	}

	live.doc, err = serverHandler.Bridge.OpenDescriptor(int(file.Fd()), password)
	if err != nil {
		discard()
		return nil, bridge.DocumentMeta{}, err
	}
	abandon := func() {
		if err := serverHandler.Bridge.CloseDocument(live.doc); err != nil {
			Logger.Warn("Close after failed session open", "session", id.String(), "error", err)
		}
		discard()
	}

	live.pageCount, err = serverHandler.Bridge.PageCount(live.doc)
	if err != nil {
		abandon()
		return nil, bridge.DocumentMeta{}, err
	}
	meta, err := serverHandler.Bridge.Meta(live.doc)
	if err != nil {
		abandon()
		return nil, bridge.DocumentMeta{}, err
	}

	session := &database.Session{
		ID:         id,
		FileName:   fileName,
		SpoolPath:  spoolPath,
		Size:       size,
		PageCount:  live.pageCount,
		Engine:     serverHandler.ServerConfig.Engine,
		Title:      meta.Title,
		Status:     database.SessionOpen,
		OpenedAt:   now,
		LastAccess: now,
	}
	if err := serverHandler.DB.CreateSession(session); err != nil {
		abandon()
		return nil, bridge.DocumentMeta{}, fmt.Errorf("record session: %w", err)
	}

	serverHandler.sessions.add(live)
	Logger.Info("Session opened", "session", id.String(), "file", fileName, "pages", live.pageCount, "bytes", size)
	return session, meta, nil
}

// session returns the open document for id and records the access
func (serverHandler *ServerHandler) session(id ulid.ULID) (*liveSession, error) {
	live, ok := serverHandler.sessions.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err := serverHandler.DB.TouchSession(id, time.Now()); err != nil {
		Logger.Warn("Unable to record session access", "session", id.String(), "error", err)
	}
	return live, nil
}

// CloseSession closes the document of session id, removes its spool file and
// marks the record closed. Sessions that only exist in the database are
// marked closed; unknown ids return ErrSessionNotFound.
func (serverHandler *ServerHandler) CloseSession(id ulid.ULID, reason string) error {
	live, ok := serverHandler.sessions.remove(id)
	if !ok {
		if _, err := serverHandler.DB.GetSession(id); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
			}
			return err
		}
		return serverHandler.DB.CloseSession(id, reason)
	}

	var result *multierror.Error
	if err := serverHandler.Bridge.CloseDocument(live.doc); err != nil {
		result = multierror.Append(result, err)
	}
	if err := live.file.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close spool file: %w", err))
	}
	if err := os.Remove(live.spoolPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		result = multierror.Append(result, fmt.Errorf("remove spool file: %w", err))
	}
	if err := serverHandler.DB.CloseSession(id, reason); err != nil {
		result = multierror.Append(result, fmt.Errorf("record session close: %w", err))
	}

	Logger.Info("Session closed", "session", id.String(), "reason", reason)
	return result.ErrorOrNil()
}

// Shutdown stops the schedules and closes every open session
func (serverHandler *ServerHandler) Shutdown() error {
	if serverHandler.cron != nil {
		<-serverHandler.cron.Stop().Done()
	}
	var result *multierror.Error
	for _, id := range serverHandler.sessions.ids() {
		if err := serverHandler.CloseSession(id, "shutdown"); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
