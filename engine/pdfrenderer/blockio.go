package pdfrenderer

import (
	"io"
)

// blockReaderAt exposes a BlockReader of known size as an io.ReaderAt so
// engines that want a stream can wrap it in an io.SectionReader.
type blockReaderAt struct {
	r    BlockReader
	size int64
}

func (b blockReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	if off >= b.size {
		return 0, io.EOF
	}
	n := len(p)
	if remaining := b.size - off; int64(n) > remaining {
		n = int(remaining)
	}
	if err := b.r.ReadBlock(off, p[:n]); err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// newBlockStream turns r into a seekable stream of exactly size bytes
func newBlockStream(r BlockReader, size int64) *io.SectionReader {
	return io.NewSectionReader(blockReaderAt{r: r, size: size}, 0, size)
}

// copyClipped copies the rectangle x0,y0-x1,y1 from a 4-byte-per-pixel
// source into dst, dropping the fourth byte when dst is 3 bytes per pixel.
func copyClipped(dst *Bitmap, src []byte, srcStride, x0, y0, x1, y1 int) {
	bpp := dst.Format.BytesPerPixel()
	for y := y0; y < y1; y++ {
		srcRow := src[y*srcStride:]
		dstRow := dst.Pix[y*dst.Stride:]
		for x := x0; x < x1; x++ {
			s := srcRow[x*4 : x*4+4]
			d := dstRow[x*bpp : x*bpp+bpp]
			d[0], d[1], d[2] = s[0], s[1], s[2]
			if bpp == 4 {
				d[3] = s[3]
			}
		}
	}
}
