package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/drummonds/pdfbridge/bridge"
	config "github.com/drummonds/pdfbridge/config"
	database "github.com/drummonds/pdfbridge/database"
	engine "github.com/drummonds/pdfbridge/engine"
	"github.com/drummonds/pdfbridge/engine/pdfrenderer"
)

func TestInjectGlobals(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	injectGlobals(logger)

	loggers := map[string]*slog.Logger{
		"main":        Logger,
		"database":    database.Logger,
		"engine":      engine.Logger,
		"bridge":      bridge.Logger,
		"pdfrenderer": pdfrenderer.Logger,
	}
	for name, got := range loggers {
		if got != logger {
			t.Errorf("Expected %s logger to be injected", name)
		}
	}
}

func TestIsAddressInUse(t *testing.T) {
	tests := []struct {
		err      error
		expected bool
	}{
		{nil, false},
		{errors.New("listen tcp :8000: bind: address already in use"), true},
		{errors.New("listen tcp: permission denied"), false},
		{&net.OpError{Op: "listen", Err: os.NewSyscallError("bind", syscall.EADDRINUSE)}, true},
	}
	for _, tt := range tests {
		if got := isAddressInUse(tt.err); got != tt.expected {
			t.Errorf("Expected %v for %v, got %v", tt.expected, tt.err, got)
		}
	}
}

func TestCORSHeaders(t *testing.T) {
	e := newEcho()
	req := httptest.NewRequest(http.MethodOptions, "/api/engine", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Expected Access-Control-Allow-Origin *, got %q", got)
	}
}

func TestNewBridge(t *testing.T) {
	for _, name := range []string{"pdfium", "fitz"} {
		pdfBridge, err := newBridge(config.EngineConfig{Engine: name})
		if err != nil {
			t.Errorf("Expected engine %s to be selectable, got %v", name, err)
			continue
		}
		if pdfBridge.Guard().Initialized() {
			t.Errorf("Expected %s engine to stay down until a document opens", name)
		}
	}
	if _, err := newBridge(config.EngineConfig{Engine: "ghostscript"}); err == nil {
		t.Error("Expected error for an unknown engine")
	}
}

func TestListenMovesPastBusyPort(t *testing.T) {
	injectGlobals(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})))

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve a port: %v", err)
	}
	defer busy.Close()
	busyPort := busy.Addr().(*net.TCPAddr).Port

	e := newEcho()
	type result struct {
		port string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		port, err := listen(e, "127.0.0.1", strconv.Itoa(busyPort), 5)
		done <- result{port, err}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for e.ListenerAddr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("Server never started")
		}
		time.Sleep(10 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	got := <-done
	if got.err != nil {
		t.Fatalf("Expected clean stop, got %v", got.err)
	}
	if got.port == strconv.Itoa(busyPort) {
		t.Errorf("Expected a port other than the busy %d", busyPort)
	}
}

func TestListenRejectsBadPort(t *testing.T) {
	if _, err := listen(newEcho(), "127.0.0.1", "http", 1); err == nil {
		t.Error("Expected error for a non numeric port")
	}
}
