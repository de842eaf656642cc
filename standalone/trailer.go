package standalone

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// Magic marks the end of a packaged image.
const Magic = "MRPK\x01"

const (
	maxLengthBytes = 3
	maxBlockSize   = 1<<(7*maxLengthBytes) - 1
)

// Pack appends scripts to base and returns the new image. base is not
// modified.
func Pack(base []byte, scripts []Script) ([]byte, error) {
	block, err := compress(&Metadata{Scripts: scripts})
	if err != nil {
		return nil, err
	}
	if len(block) > maxBlockSize {
		return nil, fmt.Errorf("%w: %d bytes compressed, limit is %d", ErrTooLarge, len(block), maxBlockSize)
	}

	length := appendLength(nil, len(block))
	image := make([]byte, 0, len(base)+len(block)+len(length)+len(Magic))
	image = append(image, base...)
	image = append(image, block...)
	image = append(image, length...)
	image = append(image, Magic...)
	return image, nil
}

// Detect parses the trailer of an in-memory image.
func Detect(image []byte) (*Metadata, error) {
	return parse(bytes.NewReader(image), int64(len(image)))
}

// Strip returns image without its trailer, or image unchanged when it has
// none. It is used to repack an already packaged executable.
func Strip(image []byte) ([]byte, error) {
	start, _, err := locate(bytes.NewReader(image), int64(len(image)))
	if errors.Is(err, ErrNotStandalone) {
		return image, nil
	}
	if err != nil {
		return nil, err
	}
	return image[:start], nil
}

func parse(r io.ReaderAt, size int64) (*Metadata, error) {
	start, end, err := locate(r, size)
	if err != nil {
		return nil, err
	}

	block := make([]byte, end-start)
	if _, err := r.ReadAt(block, start); err != nil {
		return nil, fmt.Errorf("%w: read block: %v", ErrCorrupt, err)
	}

	data, err := decompress(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	m, err := unmarshalMetadata(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return m, nil
}

// locate finds the compressed block, returning its [start, end) offsets.
func locate(r io.ReaderAt, size int64) (start, end int64, err error) {
	if size < int64(len(Magic)) {
		return 0, 0, ErrNotStandalone
	}

	tailSize := int64(len(Magic) + maxLengthBytes)
	if tailSize > size {
		tailSize = size
	}
	tail := make([]byte, tailSize)
	if _, err := r.ReadAt(tail, size-tailSize); err != nil && err != io.EOF {
		return 0, 0, fmt.Errorf("read trailer: %w", err)
	}

	if string(tail[len(tail)-len(Magic):]) != Magic {
		return 0, 0, ErrNotStandalone
	}

	length, width, err := readLength(tail[:len(tail)-len(Magic)])
	if err != nil {
		return 0, 0, err
	}

	end = size - int64(len(Magic)) - int64(width)
	start = end - int64(length)
	if start < 0 || length == 0 {
		return 0, 0, fmt.Errorf("%w: block length %d out of range", ErrCorrupt, length)
	}
	return start, end, nil
}

// appendLength encodes n so that it can be read backwards: the last byte
// holds the low seven bits and sets the high bit when another byte precedes
// it.
func appendLength(dst []byte, n int) []byte {
	var groups []byte
	for {
		groups = append(groups, byte(n&0x7f))
		n >>= 7
		if n == 0 {
			break
		}
	}

	for i := len(groups) - 1; i >= 0; i-- {
		b := groups[i]
		if i < len(groups)-1 {
			b |= 0x80
		}
		dst = append(dst, b)
	}
	return dst
}

// readLength decodes a length written by appendLength from the end of buf.
func readLength(buf []byte) (n, width int, err error) {
	for width < maxLengthBytes {
		if width >= len(buf) {
			return 0, 0, fmt.Errorf("%w: truncated length", ErrCorrupt)
		}
		b := buf[len(buf)-1-width]
		n |= int(b&0x7f) << (7 * width)
		width++
		if b&0x80 == 0 {
			if width > 1 && b == 0 {
				return 0, 0, fmt.Errorf("%w: non-minimal length", ErrCorrupt)
			}
			return n, width, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: length wider than %d bytes", ErrCorrupt, maxLengthBytes)
}

func compress(m *Metadata) ([]byte, error) {
	data, err := marshalMetadata(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if err := zw.Apply(lz4.ChecksumOption(true), lz4.BlockChecksumOption(true)); err != nil {
		return nil, fmt.Errorf("configure lz4: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compress metadata: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress metadata: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(block []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(block))
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return data, nil
}
