package weights

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/x448/float16"
)

// tensorInfo mirrors one entry of the safetensors JSON header. Endianness is
// little-endian and ordering is 'C' (row-major), per the format spec.
type tensorInfo struct {
	DType       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// TensorData is one named parameter decoded to float32.
type TensorData struct {
	Shape []int
	Data  []float32
}

// Rows and Cols flatten the shape to the 2-D layout the device layer uses:
// leading axes multiply into rows, the last axis is the column count.
func (t TensorData) Rows() int {
	if len(t.Shape) < 2 {
		return 1
	}
	rows := 1
	for _, d := range t.Shape[:len(t.Shape)-1] {
		rows *= d
	}
	return rows
}

func (t TensorData) Cols() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[len(t.Shape)-1]
}

// LoadSafetensors reads a safetensors file into a name -> tensor mapping.
// F32 payloads are copied through; F16 payloads are widened via the float16
// package. The mapping is the opaque weight source the model loader binds
// against; the converter that produces the file is out of scope here.
func LoadSafetensors(path string) (map[string]TensorData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open weights: %w", err)
	}
	defer func() { _ = f.Close() }()

	var headerLen uint64
	if err := binary.Read(f, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("failed to read safetensors header length: %w", err)
	}
	if headerLen > 100<<20 {
		return nil, fmt.Errorf("implausible safetensors header length %d", headerLen)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("failed to read safetensors header: %w", err)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("failed to parse safetensors header: %w", err)
	}

	payload, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read safetensors payload: %w", err)
	}

	tensors := make(map[string]TensorData, len(header))
	for name, raw := range header {
		if name == "__metadata__" {
			continue
		}

		var info tensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("failed to parse header entry %q: %w", name, err)
		}

		start, end := info.DataOffsets[0], info.DataOffsets[1]
		if start < 0 || end < start || end > len(payload) {
			return nil, fmt.Errorf("tensor %q: data offsets [%d, %d) out of range", name, start, end)
		}
		buf := payload[start:end]

		count := 1
		for _, d := range info.Shape {
			count *= d
		}

		data, err := decodePayload(info.DType, buf, count)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}

		tensors[name] = TensorData{Shape: info.Shape, Data: data}
	}
	return tensors, nil
}

func decodePayload(dtype string, buf []byte, count int) ([]float32, error) {
	switch dtype {
	case "F32":
		if len(buf) != count*4 {
			return nil, fmt.Errorf("F32 payload is %d bytes, want %d", len(buf), count*4)
		}
		out := make([]float32, count)
		for i := range out {
			bits := binary.LittleEndian.Uint32(buf[i*4:])
			out[i] = math.Float32frombits(bits)
		}
		return out, nil
	case "F16":
		if len(buf) != count*2 {
			return nil, fmt.Errorf("F16 payload is %d bytes, want %d", len(buf), count*2)
		}
		out := make([]float32, count)
		for i := range out {
			bits := binary.LittleEndian.Uint16(buf[i*2:])
			out[i] = float16.Frombits(bits).Float32()
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}
}
