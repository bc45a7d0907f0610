package engine

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/drummonds/pdfbridge/config"
	"github.com/drummonds/pdfbridge/fsutil"
)

// StartupChecks performs all the checks to make sure everything works
func (serverHandler *ServerHandler) StartupChecks() error {
	if err := spoolDirectoryChecks(serverHandler.ServerConfig); err != nil {
		return err
	}
	serverHandler.staleSessionChecks()
	return serverHandler.engineChecks()
}

// spoolDirectoryChecks ensures the spool directory exists, is writable and
// holds no documents from a previous run
func spoolDirectoryChecks(serverConfig config.ServerConfig) error {
	spool := serverConfig.SpoolPath
	if spool == "" {
		return fmt.Errorf("spool path not configured")
	}

	kind, err := fsutil.IdentifyPath(spool)
	if err != nil {
		Logger.Error("Error checking spool directory", "path", spool, "error", err)
		return err
	}
	switch kind {
	case fsutil.PathMissing:
		Logger.Info("Creating spool directory", "path", spool, "mode", fsutil.ModeString(spoolDirMode(serverConfig)|fs.ModeDir))
		if err := fsutil.Mkdir(spool, true, spoolDirMode(serverConfig)); err != nil {
			Logger.Error("Failed to create spool directory", "path", spool, "error", err)
			return err
		}
	case fsutil.PathDirectory:
	default:
		Logger.Error("Spool path exists but is not a directory", "path", spool)
		return fmt.Errorf("spool path is not a directory: %s", spool)
	}

	probe := filepath.Join(spool, ".probe")
	if err := fsutil.Touch(probe, 0o600); err != nil {
		Logger.Error("Spool directory is not writable", "path", spool, "error", err)
		return fmt.Errorf("spool directory not writable: %w", err)
	}
	os.Remove(probe)

	names, err := fsutil.ListDir(spool)
	if err != nil {
		return err
	}
	removed := 0
	for _, name := range names {
		if !strings.HasSuffix(name, ".pdf") {
			continue
		}
		if err := os.Remove(filepath.Join(spool, name)); err != nil {
			Logger.Warn("Unable to remove stale spool file", "name", name, "error", err)
			continue
		}
		removed++
	}
	Logger.Info("Spool directory ready", "path", spool, "mode", currentMode(spool), "staleFilesRemoved", removed)
	return nil
}

// spoolDirMode is the configured spool permission, 0750 when unset
func spoolDirMode(serverConfig config.ServerConfig) fs.FileMode {
	if serverConfig.SpoolMode == 0 {
		return 0o750
	}
	return serverConfig.SpoolMode
}

func currentMode(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	return fsutil.ModeString(info.Mode())
}

// staleSessionChecks closes session records left open by a previous process,
// their documents did not survive it
func (serverHandler *ServerHandler) staleSessionChecks() {
	closed, err := serverHandler.DB.CloseAllOpenSessions("restart")
	if err != nil {
		Logger.Error("Unable to close stale sessions", "error", err)
		return
	}
	if closed > 0 {
		Logger.Info("Closed sessions left open by previous run", "count", closed)
	}
}

// engineChecks brings the engine up and down once to prove it initializes
func (serverHandler *ServerHandler) engineChecks() error {
	guard := serverHandler.Bridge.Guard()
	if err := guard.Acquire(); err != nil {
		Logger.Error("PDF engine failed its startup check, rendering will be unavailable", "engine", serverHandler.ServerConfig.Engine, "error", err)
		return err
	}
	if err := guard.Release(); err != nil {
		Logger.Warn("PDF engine shutdown after startup check reported an error", "error", err)
	}
	Logger.Info("PDF engine startup check passed", "engine", serverHandler.ServerConfig.Engine)
	return nil
}
