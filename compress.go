package kdmsg

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression says how an aux payload is compressed on the
// wire. It travels in byte 2 of every header, so each
// message can choose independently; receivers accept all
// of them regardless of their own setting.
type Compression uint8

const (
	CompNone Compression = 0
	CompS2   Compression = 1
	CompLZ4  Compression = 2
	CompZstd Compression = 3

	// keep last
	compOutOfBounds Compression = 4
)

func (c Compression) String() string {
	switch c {
	case CompNone:
		return ""
	case CompS2:
		return "s2"
	case CompLZ4:
		return "lz4"
	case CompZstd:
		return "zstd"
	}
	return fmt.Sprintf("Compression(%d)", uint8(c))
}

// ParseCompression maps a config string to a Compression.
func ParseCompression(algo string) (Compression, error) {
	switch algo {
	case "", "none":
		return CompNone, nil
	case "s2":
		return CompS2, nil
	case "lz4":
		return CompLZ4, nil
	case "zstd":
		return CompZstd, nil
	}
	return CompNone, fmt.Errorf("unrecognized aux compression: '%v' ; "+
		"valid choices: none, s2, lz4, zstd", algo)
}

// compressor is implemented by
// *lz4.Writer
// *s2.Writer
// *zstd.Encoder
type compressor interface {
	Reset(io.Writer)
	Write(data []byte) (n int, err error)
	Close() error
}

// decompressor is implemented by
// *lz4.Reader
// *s2.Reader
// *wrapZstdDecoder
type decompressor interface {
	Reset(io.Reader)
	Read(p []byte) (n int, err error)
}

// wrapZstdDecoder drops the error from zstd's Reset so
// the decompressor interface fits all three.
type wrapZstdDecoder struct {
	*zstd.Decoder
	err error
}

func (d *wrapZstdDecoder) Reset(r io.Reader) {
	d.err = d.Decoder.Reset(r)
}

func (d *wrapZstdDecoder) Read(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	return d.Decoder.Read(p)
}

func newCompressor(algo Compression) (compressor, error) {
	switch algo {
	case CompS2:
		return s2.NewWriter(nil), nil
	case CompLZ4:
		comp := lz4.NewWriter(nil)
		options := []lz4.Option{
			lz4.BlockChecksumOption(true),
			lz4.CompressionLevelOption(lz4.Fast),
		}
		if err := comp.Apply(options...); err != nil {
			return nil, fmt.Errorf("error could not apply lz4 options: '%v'", err)
		}
		return comp, nil
	case CompZstd:
		// The "Fastest" is roughly equivalent to zstd level 1.
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	}
	return nil, fmt.Errorf("no compressor for %v", algo)
}

func newDecompressor(algo Compression) (decompressor, error) {
	switch algo {
	case CompS2:
		return s2.NewReader(nil), nil
	case CompLZ4:
		return lz4.NewReader(nil), nil
	case CompZstd:
		// single goroutine decoding; aux payloads are small.
		zread, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return &wrapZstdDecoder{Decoder: zread}, nil
	}
	return nil, fmt.Errorf("no decompressor for %v", algo)
}

// pressor compresses aux payloads for the writer goroutine.
// It is not goroutine safe.
type pressor struct {
	algo Compression
	min  int
	comp compressor
	buf  bytes.Buffer
}

// newPressor returns nil for CompNone, which Encode
// treats as no compression.
func newPressor(algo Compression, minSize int) (*pressor, error) {
	if algo == CompNone {
		return nil, nil
	}
	comp, err := newCompressor(algo)
	if err != nil {
		return nil, err
	}
	return &pressor{algo: algo, min: minSize, comp: comp}, nil
}

// handleCompress returns the bytes to put on the wire and
// the algorithm actually used. Payloads that are small or
// do not shrink go out raw. The returned slice is only
// valid until the next call.
func (p *pressor) handleCompress(src []byte) ([]byte, Compression, error) {
	if p == nil || len(src) < p.min || len(src) == 0 {
		return src, CompNone, nil
	}
	p.buf.Reset()
	p.comp.Reset(&p.buf)
	if _, err := p.comp.Write(src); err != nil {
		return nil, CompNone, err
	}
	if err := p.comp.Close(); err != nil {
		return nil, CompNone, err
	}
	if p.buf.Len() >= len(src) {
		return src, CompNone, nil
	}
	return p.buf.Bytes(), p.algo, nil
}

func (p *pressor) Close() {
	if p == nil {
		return
	}
	if z, ok := p.comp.(*zstd.Encoder); ok {
		z.Close()
	}
}

// decomp undoes any of the compressions for the reader
// goroutine; decompressors are made on first use.
// It is not goroutine safe.
type decomp struct {
	have [compOutOfBounds]decompressor
	rd   bytes.Reader
}

func newDecomp() *decomp {
	return &decomp{}
}

// handleDecompress expands src, which must produce exactly
// rawLen bytes.
func (d *decomp) handleDecompress(algo Compression, src []byte, rawLen int) ([]byte, error) {
	if algo == CompNone {
		return src, nil
	}
	if algo >= compOutOfBounds {
		return nil, fmt.Errorf("%w: unknown algorithm %v", ErrDecompress, algo)
	}
	dc := d.have[algo]
	if dc == nil {
		var err error
		dc, err = newDecompressor(algo)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
		}
		d.have[algo] = dc
	}
	d.rd.Reset(src)
	dc.Reset(&d.rd)
	out := make([]byte, rawLen)
	if _, err := io.ReadFull(dc, out); err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrDecompress, algo, err)
	}
	return out, nil
}

func (d *decomp) Close() {
	if d == nil {
		return
	}
	if z, ok := d.have[CompZstd].(*wrapZstdDecoder); ok {
		z.Decoder.Close()
	}
}
