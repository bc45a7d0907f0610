package bridge

import (
	"errors"
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/drummonds/pdfbridge/engine/pdfrenderer"
)

// BlockReader is the pull-based contract the engine reads document bytes through
type BlockReader = pdfrenderer.BlockReader

// DescriptorReader serves block reads straight from a caller-owned file
// descriptor with pread, without buffering anything between calls.
type DescriptorReader struct {
	fd int
}

func NewDescriptorReader(fd int) *DescriptorReader {
	return &DescriptorReader{fd: fd}
}

// ReadBlock fills p from offset. Short reads are retried until p is full;
// only a read error or end of file before p is full fails.
func (r *DescriptorReader) ReadBlock(offset int64, p []byte) error {
	if offset < 0 {
		return &IOError{Offset: offset, Length: len(p), Err: ErrInvalidArgument}
	}
	done := 0
	for done < len(p) {
		n, err := unix.Pread(r.fd, p[done:], offset+int64(done))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return &IOError{Offset: offset, Length: len(p), Err: err}
		}
		if n == 0 {
			return &IOError{Offset: offset, Length: len(p), Err: io.ErrUnexpectedEOF}
		}
		done += n
	}
	return nil
}

// readerAtSource serves block reads from an io.ReaderAt such as a
// bytes.Reader or *os.File
type readerAtSource struct {
	r io.ReaderAt
}

// NewReaderAtSource adapts r to the block read contract
func NewReaderAtSource(r io.ReaderAt) BlockReader {
	return readerAtSource{r: r}
}

func (s readerAtSource) ReadBlock(offset int64, p []byte) error {
	if offset < 0 {
		return &IOError{Offset: offset, Length: len(p), Err: ErrInvalidArgument}
	}
	done := 0
	for done < len(p) {
		n, err := s.r.ReadAt(p[done:], offset+int64(done))
		done += n
		if done == len(p) {
			return nil
		}
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return &IOError{Offset: offset, Length: len(p), Err: err}
		}
		if n == 0 {
			return &IOError{Offset: offset, Length: len(p), Err: io.ErrNoProgress}
		}
	}
	return nil
}

// trackedSource remembers the first failed block read so a failed open can
// report the I/O cause alongside the engine status.
type trackedSource struct {
	src BlockReader

	mu  sync.Mutex
	err error
}

func (t *trackedSource) ReadBlock(offset int64, p []byte) error {
	err := t.src.ReadBlock(offset, p)
	if err != nil {
		t.mu.Lock()
		if t.err == nil {
			t.err = err
		}
		t.mu.Unlock()
	}
	return err
}

func (t *trackedSource) firstError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
