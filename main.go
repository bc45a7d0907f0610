package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/drummonds/pdfbridge/bridge"
	config "github.com/drummonds/pdfbridge/config"
	database "github.com/drummonds/pdfbridge/database"
	engine "github.com/drummonds/pdfbridge/engine"
	"github.com/drummonds/pdfbridge/engine/pdfrenderer"
)

// Logger is global since we will need it everywhere
var Logger *slog.Logger

// injectGlobals injects all of our globals into their packages
func injectGlobals(logger *slog.Logger) {
	Logger = logger
	database.Logger = Logger
	config.Logger = Logger
	engine.Logger = Logger
	bridge.Logger = Logger
	pdfrenderer.Logger = Logger
}

// newEcho builds the echo instance with JSON errors for unknown routes
func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
		}

		if code == http.StatusNotFound {
			c.JSON(http.StatusNotFound, map[string]string{
				"error":   "Not Found",
				"message": "The requested API endpoint does not exist",
				"path":    c.Request().URL.Path,
			})
			return
		}

		// For other errors, use default handler
		e.DefaultHTTPErrorHandler(err, c)
	}
	e.Use(middleware.CORSWithConfig(middleware.DefaultCORSConfig))
	return e
}

// newBridge selects the configured engine. Nothing is initialized until the
// first document opens.
func newBridge(engineConfig config.EngineConfig) (*bridge.Bridge, error) {
	renderEngine, err := pdfrenderer.New(engineConfig.Engine, pdfrenderer.Options{
		MinIdle:         engineConfig.PDFiumMinIdle,
		MaxIdle:         engineConfig.PDFiumMaxIdle,
		MaxTotal:        engineConfig.PDFiumMaxTotal,
		InstanceTimeout: engineConfig.PDFiumInstanceTimeout,
	})
	if err != nil {
		return nil, err
	}
	return bridge.New(renderEngine, nil), nil
}

func main() {
	serverConfig, logger := config.SetupServer()
	injectGlobals(logger) //inject the logger into all of the packages

	// Show info banner if using ephemeral database
	if serverConfig.DatabaseType == "ephemeral" {
		fmt.Println("\n" + strings.Repeat("=", 50))
		fmt.Println("🚀  EPHEMERAL DATABASE MODE")
		fmt.Println(strings.Repeat("=", 50))
		fmt.Println("• Sessions and jobs are destroyed on exit")
		fmt.Println(strings.Repeat("=", 50) + "\n")
	}

	// Setup database (handles ephemeral, postgres, cockroachdb, sqlite)
	Logger.Info("Setting up database", "type", serverConfig.DatabaseType)
	db, err := database.NewRepository(serverConfig)
	if err != nil {
		Logger.Error("Failed to set up database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	Logger.Info("Database setup complete")

	pdfBridge, err := newBridge(serverConfig.EngineConfig)
	if err != nil {
		Logger.Error("Unable to select PDF engine", "engine", serverConfig.Engine, "error", err)
		os.Exit(1)
	}

	e := newEcho()
	Logger.Info("Echo created")

	serverHandler := engine.NewServerHandler(pdfBridge, db, e, serverConfig) //injecting the bridge and database into the handler for routes
	if err := serverHandler.StartupChecks(); err != nil {                   //Run all the sanity checks
		Logger.Error("Startup checks failed", "error", err)
		if !errors.Is(err, bridge.ErrEngineUnavailable) {
			os.Exit(1)
		}
	}
	Logger.Info("Startup checks complete")
	serverHandler.InitializeSchedules() //initialize all the cron jobs
	serverHandler.RegisterRoutes()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		Logger.Info("Shutting down")
		if err := serverHandler.Shutdown(); err != nil {
			Logger.Warn("Problem closing sessions", "error", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(ctx); err != nil {
			Logger.Error("Server shutdown failed", "error", err)
		}
	}()

	if serverConfig.ListenAddrIP == "" {
		Logger.Info("No Ip Addr set, binding on ALL addresses")
	}
	port, err := listen(e, serverConfig.ListenAddrIP, serverConfig.ListenAddrPort, 5)
	if err != nil {
		Logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
	if port != serverConfig.ListenAddrPort {
		Logger.Warn("Server ran on alternative port due to conflicts",
			"requested_port", serverConfig.ListenAddrPort,
			"actual_port", port)
	}
	Logger.Info("Server stopped")
}

// listen starts e on ip:port, moving up one port at a time while the address
// is taken. It returns the port that was served once the server stops.
func listen(e *echo.Echo, ip, port string, maxRetries int) (string, error) {
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return port, fmt.Errorf("invalid port %q: %w", port, err)
	}
	for attempt := 1; attempt <= maxRetries; attempt++ {
		addr := net.JoinHostPort(ip, strconv.Itoa(portNum))
		Logger.Info("Starting HTTP server", "address", addr, "attempt", attempt)

		err := e.Start(addr)
		switch {
		case err == nil, errors.Is(err, http.ErrServerClosed):
			return strconv.Itoa(portNum), nil
		case isAddressInUse(err):
			Logger.Warn("Port already in use, trying next port", "port", portNum, "attempt", attempt, "max_attempts", maxRetries)
			portNum++
		default:
			return strconv.Itoa(portNum), err
		}
	}
	return strconv.Itoa(portNum), fmt.Errorf("no free port between %s and %d", port, portNum-1)
}

func isAddressInUse(err error) bool {
	return err != nil && (errors.Is(err, syscall.EADDRINUSE) || strings.Contains(err.Error(), "address already in use"))
}
