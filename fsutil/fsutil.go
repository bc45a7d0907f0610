// Package fsutil holds the filesystem helpers used around the bridge:
// descriptor sizes, path resolution, recursive mkdir/rmdir, directory
// listing and permission strings.
package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"
)

// ErrInvalidMode is returned by ParseModeString for malformed input
var ErrInvalidMode = errors.New("invalid permission string")

// PathType is what a path points at
type PathType int

const (
	PathMissing PathType = iota
	PathFile
	PathDirectory
	PathOther
)

// FileSizeForDescriptor returns the size of the file behind fd
func FileSizeForDescriptor(fd int) (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return -1, fmt.Errorf("fstat descriptor %d: %w", fd, err)
	}
	return st.Size, nil
}

// IdentifyPath reports whether path is a file, a directory, something else
// or missing
func IdentifyPath(path string) (PathType, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return PathMissing, nil
		}
		return PathOther, err
	}
	switch {
	case info.IsDir():
		return PathDirectory, nil
	case info.Mode().IsRegular():
		return PathFile, nil
	default:
		return PathOther, nil
	}
}

// ResolvePath makes path absolute, resolving symlinks in the longest
// existing prefix. The remainder need not exist.
func ResolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	existing, rest := abs, ""
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			return filepath.Join(resolved, rest), nil
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}
}

// Mkdir creates path with mode. With recursive set, missing parents are
// created too. An existing directory is not an error.
func Mkdir(path string, recursive bool, mode fs.FileMode) error {
	if path == "" {
		return fmt.Errorf("mkdir: empty path")
	}
	if kind, _ := IdentifyPath(path); kind == PathDirectory {
		return nil
	}
	if recursive {
		return os.MkdirAll(path, mode)
	}
	if err := os.Mkdir(path, mode); err != nil && !errors.Is(err, fs.ErrExist) {
		return err
	}
	return nil
}

// RemoveDir removes the directory at path. Without recursive the directory
// must be empty. A missing directory is not an error.
func RemoveDir(path string, recursive bool) error {
	kind, err := IdentifyPath(path)
	if err != nil {
		return err
	}
	switch kind {
	case PathMissing:
		return nil
	case PathDirectory:
	default:
		return fmt.Errorf("remove %s: not a directory", path)
	}
	if recursive {
		return os.RemoveAll(path)
	}
	return os.Remove(path)
}

// ListDir returns the sorted entry names of the directory at path
func ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Touch creates path if it does not exist and sets its permissions to mode
func Touch(path string, mode fs.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chmod(path, mode)
}

var permBits = [9]fs.FileMode{
	0o400, 0o200, 0o100,
	0o040, 0o020, 0o010,
	0o004, 0o002, 0o001,
}

const permLetters = "rwxrwxrwx"

// ModeString renders mode as "drwxr-x---"
func ModeString(mode fs.FileMode) string {
	buf := []byte("----------")
	if mode.IsDir() {
		buf[0] = 'd'
	}
	for i, bit := range permBits {
		if mode&bit != 0 {
			buf[i+1] = permLetters[i]
		}
	}
	return string(buf)
}

// ParseModeString is the inverse of ModeString for the permission bits; the
// leading type character is ignored.
func ParseModeString(s string) (fs.FileMode, error) {
	if len(s) != 10 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
	var mode fs.FileMode
	for i, bit := range permBits {
		switch s[i+1] {
		case permLetters[i]:
			mode |= bit
		case '-':
		default:
			return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
		}
	}
	return mode, nil
}
