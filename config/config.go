package config

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/drummonds/pdfbridge/fsutil"
)

// Logger is global since we will need it everywhere
var Logger *slog.Logger

// ServerConfig contains all of the server settings
type ServerConfig struct {
	ListenAddrIP     string
	ListenAddrPort   string
	DatabaseType     string
	DatabaseHost     string
	DatabasePort     string
	DatabaseUser     string
	DatabasePassword string `json:"-"`
	DatabaseDbname   string
	DatabaseSslmode  string
	SpoolPath        string      // absolute path uploaded documents are written to
	SpoolMode        fs.FileMode // permissions for a spool directory we create
	OpenPathRoot     string      // JSON path opens must resolve under this; empty disables them
	EngineConfig
	SessionConfig
}

// EngineConfig selects and sizes the PDF engine
type EngineConfig struct {
	Engine                string // pdfium or fitz
	PDFiumMinIdle         int
	PDFiumMaxIdle         int
	PDFiumMaxTotal        int
	PDFiumInstanceTimeout time.Duration
	DefaultDPI            int
	RenderAnnotations     bool
	MaxConcurrentRenders  int
}

// SessionConfig controls how long open documents and job records live
type SessionConfig struct {
	SessionIdle   time.Duration
	SweepInterval time.Duration
	JobRetention  time.Duration
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolVal, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return boolVal
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intVal
}

// LoadEngineConfig reads the engine settings from the environment. It is
// shared by the server and the render CLI.
func LoadEngineConfig() EngineConfig {
	cfg := EngineConfig{
		Engine:                getEnv("ENGINE", "pdfium"),
		PDFiumMinIdle:         getEnvInt("PDFIUM_MIN_IDLE", 1),
		PDFiumMaxIdle:         getEnvInt("PDFIUM_MAX_IDLE", 1),
		PDFiumMaxTotal:        getEnvInt("PDFIUM_MAX_TOTAL", 1),
		PDFiumInstanceTimeout: time.Duration(getEnvInt("PDFIUM_INSTANCE_TIMEOUT", 30)) * time.Second,
		DefaultDPI:            getEnvInt("DEFAULT_DPI", 72),
		RenderAnnotations:     getEnvBool("RENDER_ANNOTATIONS", true),
		MaxConcurrentRenders:  getEnvInt("MAX_CONCURRENT_RENDERS", 4),
	}
	if cfg.DefaultDPI <= 0 {
		cfg.DefaultDPI = 72
	}
	if cfg.MaxConcurrentRenders <= 0 {
		cfg.MaxConcurrentRenders = 1
	}
	return cfg
}

// LoadSessionConfig reads the session and retention settings
func LoadSessionConfig() SessionConfig {
	return SessionConfig{
		SessionIdle:   time.Duration(getEnvInt("SESSION_IDLE_MINUTES", 30)) * time.Minute,
		SweepInterval: time.Duration(getEnvInt("SWEEP_INTERVAL_MINUTES", 5)) * time.Minute,
		JobRetention:  time.Duration(getEnvInt("JOB_RETENTION_HOURS", 168)) * time.Hour,
	}
}

// SetupServer loads configuration and returns ServerConfig and Logger
func SetupServer() (ServerConfig, *slog.Logger) {
	serverConfigLive := ServerConfig{}

	// Load .env file (silently ignore if doesn't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load("config.env")

	logger := setupLogging()
	Logger = logger

	// Server configuration
	serverConfigLive.ListenAddrPort = getEnv("SERVER_PORT", "8000")
	serverConfigLive.ListenAddrIP = getEnv("SERVER_ADDR", "")

	// Database configuration
	serverConfigLive.DatabaseType = getEnv("DATABASE_TYPE", "sqlite")
	serverConfigLive.DatabaseHost = getEnv("DATABASE_HOST", "localhost")
	serverConfigLive.DatabasePort = getEnv("DATABASE_PORT", "5432")
	serverConfigLive.DatabaseUser = getEnv("DATABASE_USER", "pdfbridge")
	serverConfigLive.DatabasePassword = getEnv("DATABASE_PASSWORD", "")
	serverConfigLive.DatabaseDbname = getEnv("DATABASE_NAME", "databases/pdfbridge.sqlite")
	serverConfigLive.DatabaseSslmode = getEnv("DATABASE_SSLMODE", "disable")

	logger.Info("Database configuration loaded", "type", serverConfigLive.DatabaseType)

	// Spool configuration
	spoolDir := filepath.ToSlash(getEnv("SPOOL_PATH", "spool"))
	spoolDirAbs, err := filepath.Abs(spoolDir)
	if err != nil {
		logger.Error("Failed creating absolute path for spool directory", "error", err)
		spoolDirAbs = spoolDir
	}
	serverConfigLive.SpoolPath = spoolDirAbs
	serverConfigLive.SpoolMode = parseSpoolMode(getEnv("SPOOL_MODE", "drwxr-x---"))
	if root := getEnv("OPEN_PATH_ROOT", ""); root != "" {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			logger.Error("Failed creating absolute path for open path root", "error", err)
			rootAbs = root
		}
		serverConfigLive.OpenPathRoot = rootAbs
		logger.Info("Opening documents by path enabled", "root", rootAbs)
	}

	serverConfigLive.EngineConfig = LoadEngineConfig()
	serverConfigLive.SessionConfig = LoadSessionConfig()

	fmt.Println("\n========================================")
	fmt.Println("   pdfbridge - PDF render service")
	fmt.Println("========================================")
	fmt.Printf("Server will start on: %s:%s\n", serverConfigLive.ListenAddrIP, serverConfigLive.ListenAddrPort)
	if serverConfigLive.ListenAddrIP == "" {
		fmt.Println("(Listening on all network interfaces)")
	}
	fmt.Printf("Engine: %s\n", serverConfigLive.Engine)
	fmt.Printf("Detailed logs: %s\n", getEnv("LOG_FILE", "pdfbridge.log"))
	fmt.Println("Initializing...")

	logger.Info("Engine configuration loaded",
		"engine", serverConfigLive.Engine,
		"defaultDPI", serverConfigLive.DefaultDPI,
		"maxConcurrentRenders", serverConfigLive.MaxConcurrentRenders)
	logger.Info("Session configuration loaded",
		"idle", serverConfigLive.SessionIdle,
		"sweep", serverConfigLive.SweepInterval,
		"jobRetention", serverConfigLive.JobRetention)

	return serverConfigLive, logger
}

// parseSpoolMode reads a permission string such as "drwxr-x---"
func parseSpoolMode(value string) fs.FileMode {
	mode, err := fsutil.ParseModeString(value)
	if err != nil {
		Logger.Warn("Ignoring SPOOL_MODE", "value", value, "error", err)
		return 0o750
	}
	return mode
}

// SetupCLI loads the environment for command line tools and returns a logger
// writing to stderr
func SetupCLI(verbose bool) *slog.Logger {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("config.env")

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	Logger = logger
	return logger
}

// parseLevel maps LOG_LEVEL values onto slog levels, debug when unknown
func parseLevel(logLevel string) slog.Level {
	switch logLevel {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// setupLogging configures the application logger
func setupLogging() *slog.Logger {
	handlerOptions := &slog.HandlerOptions{Level: parseLevel(getEnv("LOG_LEVEL", "debug"))}

	logOutput := getEnv("LOG_OUTPUT", "file")
	var logWriter io.Writer

	if logOutput == "stdout" {
		logWriter = os.Stdout
	} else {
		logPath, err := filepath.Abs(filepath.ToSlash(getEnv("LOG_FILE", "pdfbridge.log")))
		if err != nil {
			fmt.Printf("Error creating log file path: %v\n", err)
			logWriter = os.Stdout
		} else {
			logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err != nil {
				fmt.Printf("Failed to open log file: %v\n", err)
				logWriter = os.Stdout
			} else {
				logWriter = logFile
				fmt.Println("Logging to file: ", logPath)
			}
		}
	}

	handler := slog.NewTextHandler(logWriter, handlerOptions)
	return slog.New(handler)
}
