package weights

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// writeSafetensors serializes tensors as F32 in the safetensors layout:
// little-endian header length, JSON header, raw payload.
func writeSafetensors(t *testing.T, path string, tensors map[string]TensorData) {
	t.Helper()

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]tensorInfo, len(tensors))
	var payload []byte
	for _, name := range names {
		td := tensors[name]
		start := len(payload)
		for _, v := range td.Data {
			payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(v))
		}
		header[name] = tensorInfo{
			DType:       "F32",
			Shape:       td.Shape,
			DataOffsets: [2]int{start, len(payload)},
		}
	}

	headerBytes, err := json.Marshal(header)
	require.NoError(t, err)

	var buf []byte
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(headerBytes)))
	buf = append(buf, headerBytes...)
	buf = append(buf, payload...)

	require.NoError(t, os.WriteFile(path, buf, 0o644))
}

func TestLoadSafetensorsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	writeSafetensors(t, path, map[string]TensorData{
		"a.weight": {Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		"a.bias":   {Shape: []int{3}, Data: []float32{-0.5, 0, 0.5}},
	})

	tensors, err := LoadSafetensors(path)
	require.NoError(t, err)
	require.Len(t, tensors, 2)

	w := tensors["a.weight"]
	require.Equal(t, []int{2, 3}, w.Shape)
	require.Equal(t, 2, w.Rows())
	require.Equal(t, 3, w.Cols())
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, w.Data)

	b := tensors["a.bias"]
	require.Equal(t, 1, b.Rows())
	require.Equal(t, 3, b.Cols())
	require.Equal(t, []float32{-0.5, 0, 0.5}, b.Data)
}

func TestLoadSafetensorsF16(t *testing.T) {
	values := []float32{1.5, -2.25, 0}
	var payload []byte
	for _, v := range values {
		payload = binary.LittleEndian.AppendUint16(payload, float16.Fromfloat32(v).Bits())
	}

	header := map[string]tensorInfo{
		"h": {DType: "F16", Shape: []int{3}, DataOffsets: [2]int{0, len(payload)}},
	}
	headerBytes, err := json.Marshal(header)
	require.NoError(t, err)

	var buf []byte
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(headerBytes)))
	buf = append(buf, headerBytes...)
	buf = append(buf, payload...)

	path := filepath.Join(t.TempDir(), "f16.safetensors")
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	tensors, err := LoadSafetensors(path)
	require.NoError(t, err)
	require.Equal(t, values, tensors["h"].Data)
}

func TestLoadSafetensorsSkipsMetadata(t *testing.T) {
	headerBytes, err := json.Marshal(map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
	})
	require.NoError(t, err)

	var buf []byte
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(headerBytes)))
	buf = append(buf, headerBytes...)

	path := filepath.Join(t.TempDir(), "meta.safetensors")
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	tensors, err := LoadSafetensors(path)
	require.NoError(t, err)
	require.Empty(t, tensors)
}

func TestLoadSafetensorsRejectsBadDtype(t *testing.T) {
	header := map[string]tensorInfo{
		"x": {DType: "BF16", Shape: []int{1}, DataOffsets: [2]int{0, 2}},
	}
	headerBytes, err := json.Marshal(header)
	require.NoError(t, err)

	var buf []byte
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(headerBytes)))
	buf = append(buf, headerBytes...)
	buf = append(buf, 0, 0)

	path := filepath.Join(t.TempDir(), "bad.safetensors")
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	_, err = LoadSafetensors(path)
	require.ErrorContains(t, err, "unsupported dtype")
}

func TestLoadSafetensorsRejectsBadOffsets(t *testing.T) {
	header := map[string]tensorInfo{
		"x": {DType: "F32", Shape: []int{4}, DataOffsets: [2]int{0, 16}},
	}
	headerBytes, err := json.Marshal(header)
	require.NoError(t, err)

	var buf []byte
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(headerBytes)))
	buf = append(buf, headerBytes...)
	// Payload shorter than the declared offsets.
	buf = append(buf, 0, 0, 0, 0)

	path := filepath.Join(t.TempDir(), "trunc.safetensors")
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	_, err = LoadSafetensors(path)
	require.ErrorContains(t, err, "out of range")
}
