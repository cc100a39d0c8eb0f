package vocab

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

var (
	ErrInvalidFormat      = errors.New("vocab: not a .npy file")
	ErrUnsupportedDtype   = errors.New("vocab: unsupported dtype, want little-endian float32")
	ErrUnsupportedVersion = errors.New("vocab: unsupported .npy version")
	ErrInvalidHeader      = errors.New("vocab: invalid .npy header")
	ErrSizeMismatch       = errors.New("vocab: data size does not match shape")
)

var npyMagic = []byte{0x93, 'N', 'U', 'M', 'P', 'Y'}

// Matrix is a dense float32 array read from a .npy file
type Matrix struct {
	Shape []int
	Data  []float32
}

// Rows splits a 2-D matrix into one slice per row. The rows share Data.
func (m Matrix) Rows() ([][]float32, error) {
	if len(m.Shape) != 2 {
		return nil, fmt.Errorf("%w: expected 2-D shape, got %v", ErrInvalidHeader, m.Shape)
	}
	rows, cols := m.Shape[0], m.Shape[1]
	if cols == 0 {
		return nil, fmt.Errorf("%w: zero-width rows", ErrInvalidHeader)
	}
	n, err := elements(m.Shape)
	if err != nil {
		return nil, err
	}
	if n != len(m.Data) {
		return nil, ErrSizeMismatch
	}
	out := make([][]float32, rows)
	for r := 0; r < rows; r++ {
		out[r] = m.Data[r*cols : (r+1)*cols : (r+1)*cols]
	}
	return out, nil
}

// LoadNpy reads a float32, C-order .npy file
func LoadNpy(path string) (Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return Matrix{}, fmt.Errorf("failed to open embeddings: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Matrix{}, fmt.Errorf("failed to stat embeddings: %w", err)
	}
	return readNpy(bufio.NewReader(f), info.Size())
}

// ReadNpy decodes a float32, C-order .npy stream (format versions 1, 2 and 3)
func ReadNpy(r io.Reader) (Matrix, error) {
	return readNpy(r, -1)
}

// readNpy decodes a .npy stream of at most size bytes; a negative size is unknown
func readNpy(r io.Reader, size int64) (Matrix, error) {
	prefix := make([]byte, 8)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return Matrix{}, ErrInvalidFormat
	}
	if !bytes.Equal(prefix[:6], npyMagic) {
		return Matrix{}, ErrInvalidFormat
	}

	var headerLen int
	switch prefix[6] {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return Matrix{}, ErrInvalidHeader
		}
		headerLen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return Matrix{}, ErrInvalidHeader
		}
		headerLen = int(n)
	default:
		return Matrix{}, fmt.Errorf("%w: %d.%d", ErrUnsupportedVersion, prefix[6], prefix[7])
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return Matrix{}, ErrInvalidHeader
	}

	shape, err := parseHeader(string(header))
	if err != nil {
		return Matrix{}, err
	}

	count, err := elements(shape)
	if err != nil {
		return Matrix{}, err
	}
	if size >= 0 {
		payload := size - int64(10+headerLen)
		if prefix[6] > 1 {
			payload -= 2
		}
		if int64(count) > payload/4 {
			return Matrix{}, fmt.Errorf("%w: shape %v needs %d values", ErrSizeMismatch, shape, count)
		}
	}

	data, err := readFloats(r, count)
	if err != nil {
		return Matrix{}, err
	}

	return Matrix{Shape: shape, Data: data}, nil
}

// maxChunk bounds each read so a header cannot force an allocation the
// stream does not back with data.
const maxChunk = 1 << 16

func readFloats(r io.Reader, count int) ([]float32, error) {
	data := make([]float32, 0, min(count, maxChunk))
	buf := make([]byte, 4*min(count, maxChunk))
	for len(data) < count {
		n := min(count-len(data), maxChunk)
		if _, err := io.ReadFull(r, buf[:4*n]); err != nil {
			return nil, fmt.Errorf("%w: want %d values, got %d", ErrSizeMismatch, count, len(data))
		}
		for i := 0; i < n; i++ {
			data = append(data, math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:])))
		}
	}
	return data, nil
}

// elements returns the number of values of shape, or ErrInvalidHeader when
// the product would not fit in a byte-addressable slice.
func elements(shape []int) (int, error) {
	count := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dimension %d", ErrInvalidHeader, d)
		}
		if d != 0 && count > math.MaxInt/4/d {
			return 0, fmt.Errorf("%w: shape %v overflows", ErrInvalidHeader, shape)
		}
		count *= d
	}
	return count, nil
}

func parseHeader(header string) ([]int, error) {
	compact := strings.ReplaceAll(header, " ", "")
	if !strings.Contains(compact, "'descr':'<f4'") && !strings.Contains(compact, `"descr":"<f4"`) {
		return nil, ErrUnsupportedDtype
	}
	if strings.Contains(compact, "'fortran_order':True") {
		return nil, fmt.Errorf("%w: fortran order", ErrInvalidHeader)
	}

	i := strings.Index(compact, "shape")
	if i < 0 {
		return nil, ErrInvalidHeader
	}
	open := strings.IndexByte(compact[i:], '(')
	closing := strings.IndexByte(compact[i:], ')')
	if open < 0 || closing < open {
		return nil, ErrInvalidHeader
	}

	var shape []int
	for _, part := range strings.Split(compact[i+open+1:i+closing], ",") {
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("%w: bad dimension %q", ErrInvalidHeader, part)
		}
		shape = append(shape, d)
	}
	if len(shape) == 0 {
		return nil, ErrInvalidHeader
	}
	return shape, nil
}

// WriteNpy writes rows as a 2-D float32 .npy (version 1.0). All rows must
// have the same length.
func WriteNpy(w io.Writer, rows [][]float32) error {
	cols := 0
	if len(rows) > 0 {
		cols = len(rows[0])
	}
	for i, row := range rows {
		if len(row) != cols {
			return fmt.Errorf("%w: row %d has %d values, want %d", ErrSizeMismatch, i, len(row), cols)
		}
	}

	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%d, %d), }", len(rows), cols)
	// magic(6) + version(2) + length(2) + header + '\n' is padded to a multiple of 64
	total := 10 + len(header) + 1
	if pad := (64 - total%64) % 64; pad > 0 {
		header += strings.Repeat(" ", pad)
	}
	header += "\n"

	bw := bufio.NewWriter(w)
	bw.Write(npyMagic)
	bw.Write([]byte{1, 0})
	if err := binary.Write(bw, binary.LittleEndian, uint16(len(header))); err != nil {
		return err
	}
	bw.WriteString(header)

	buf := make([]byte, 4)
	for _, row := range rows {
		for _, v := range row {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := bw.Write(buf); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}
