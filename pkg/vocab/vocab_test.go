package vocab

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/image-semantics/pkg/tagger"
)

func TestNpyRoundTrip(t *testing.T) {
	rows := [][]float32{{1, 2, 3}, {-0.5, 0, 0.25}}

	var buf bytes.Buffer
	require.NoError(t, WriteNpy(&buf, rows))
	// header block is 64-byte aligned
	assert.Equal(t, 0, (buf.Len()-len(rows)*3*4)%64)

	m, err := ReadNpy(&buf)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, m.Shape)

	got, err := m.Rows()
	require.NoError(t, err)
	assert.Equal(t, rows, got)
}

func TestReadNpyVersion2Header(t *testing.T) {
	header := "{'descr': '<f4', 'fortran_order': False, 'shape': (1, 2), }\n"
	var buf bytes.Buffer
	buf.Write(npyMagic)
	buf.Write([]byte{2, 0})
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(len(header))))
	buf.WriteString(header)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, []float32{0.5, 1.5}))

	m, err := ReadNpy(&buf)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, m.Shape)
	assert.Equal(t, []float32{0.5, 1.5}, m.Data)
}

func TestReadNpyErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    func() []byte
		wantErr error
	}{
		{
			name:    "bad magic",
			data:    func() []byte { return []byte("PK\x03\x04 not numpy") },
			wantErr: ErrInvalidFormat,
		},
		{
			name: "float64",
			data: func() []byte {
				return npyBytes(t, 1, "{'descr': '<f8', 'fortran_order': False, 'shape': (1, 1), }")
			},
			wantErr: ErrUnsupportedDtype,
		},
		{
			name: "fortran order",
			data: func() []byte {
				return npyBytes(t, 1, "{'descr': '<f4', 'fortran_order': True, 'shape': (1, 1), }")
			},
			wantErr: ErrInvalidHeader,
		},
		{
			name: "version 9",
			data: func() []byte {
				return npyBytes(t, 9, "{'descr': '<f4', 'fortran_order': False, 'shape': (1, 1), }")
			},
			wantErr: ErrUnsupportedVersion,
		},
		{
			name: "truncated data",
			data: func() []byte {
				return npyBytes(t, 1, "{'descr': '<f4', 'fortran_order': False, 'shape': (4, 4), }")
			},
			wantErr: ErrSizeMismatch,
		},
		{
			name: "shape overflows int",
			data: func() []byte {
				return npyBytes(t, 1, "{'descr': '<f4', 'fortran_order': False, 'shape': (4611686018427387904, 4), }")
			},
			wantErr: ErrInvalidHeader,
		},
		{
			name: "byte count overflows int",
			data: func() []byte {
				return npyBytes(t, 1, "{'descr': '<f4', 'fortran_order': False, 'shape': (2305843009213693952, 2), }")
			},
			wantErr: ErrInvalidHeader,
		},
		{
			name: "huge shape without data",
			data: func() []byte {
				return npyBytes(t, 1, "{'descr': '<f4', 'fortran_order': False, 'shape': (1099511627776, 4), }")
			},
			wantErr: ErrSizeMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadNpy(bytes.NewReader(tt.data()))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRowsRequiresTwoDimensions(t *testing.T) {
	_, err := Matrix{Shape: []int{4}, Data: make([]float32, 4)}.Rows()
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

func TestRowsRejectsBadShapes(t *testing.T) {
	_, err := Matrix{Shape: []int{1 << 62, 4}}.Rows()
	assert.ErrorIs(t, err, ErrInvalidHeader)

	_, err = Matrix{Shape: []int{1 << 62, 0}}.Rows()
	assert.ErrorIs(t, err, ErrInvalidHeader)

	_, err = Matrix{Shape: []int{2, 2}, Data: make([]float32, 3)}.Rows()
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestLoadNpyShapeLargerThanFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.npy")
	data := npyBytes(t, 1, "{'descr': '<f4', 'fortran_order': False, 'shape': (100000, 768), }")
	data = append(data, make([]byte, 16)...)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err := LoadNpy(path)
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestLoadNpyExactSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ok.npy")
	require.NoError(t, SaveNpy(path, [][]float32{{1, 2}, {3, 4}, {5, 6}}))

	m, err := LoadNpy(path)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, m.Shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, m.Data)
}

func TestWriteNpyRaggedRows(t *testing.T) {
	err := WriteNpy(&bytes.Buffer{}, [][]float32{{1, 2}, {3}})
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestLoaderBuildsTaggers(t *testing.T) {
	dir := t.TempDir()
	src := Source{
		Labels:     filepath.Join(dir, "object.json"),
		Embeddings: filepath.Join(dir, "object.npy"),
	}
	require.NoError(t, SaveLabels(src.Labels, []string{"cat", "dog"}))
	require.NoError(t, SaveNpy(src.Embeddings, [][]float32{{1, 0}, {0, 1}}))

	set := tagger.NewSet(Loader(map[tagger.Kind]Source{tagger.KindObject: src}))

	got, err := set.Querier(tagger.KindObject).TopK([]float32{0, 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"dog"}, got)

	_, err = set.Get(tagger.KindStyle)
	assert.Error(t, err)
}

func TestLoadCountMismatch(t *testing.T) {
	dir := t.TempDir()
	src := Source{
		Labels:     filepath.Join(dir, "l.json"),
		Embeddings: filepath.Join(dir, "e.npy"),
	}
	require.NoError(t, SaveLabels(src.Labels, []string{"a", "b", "c"}))
	require.NoError(t, SaveNpy(src.Embeddings, [][]float32{{1, 0}, {0, 1}}))

	labels, rows, err := Load(src)
	require.NoError(t, err)

	_, err = tagger.Load(labels, rows)
	assert.ErrorIs(t, err, tagger.ErrDimensionMismatch)
}

func TestLoadLabelsErrors(t *testing.T) {
	_, err := LoadLabels(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"not":"a list"}`), 0o644))
	_, err = LoadLabels(path)
	assert.Error(t, err)
}

func npyBytes(t *testing.T, version byte, header string) []byte {
	t.Helper()
	header += "\n"
	var buf bytes.Buffer
	buf.Write(npyMagic)
	buf.Write([]byte{version, 0})
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint16(len(header))))
	buf.WriteString(header)
	return buf.Bytes()
}
