// Package safetensors reads and writes the safetensors weight format: an 8-byte little-endian
// header length, a JSON header describing each tensor, then the raw tensor bytes.
package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/x448/float16"
)

const (
	metadataKey = "__metadata__"

	// maxHeaderSize rejects corrupt files before allocating the header.
	maxHeaderSize = 100 << 20
	headerAlign   = 8
)

// DType is the element type of a stored tensor.
type DType string

const (
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
	F64  DType = "F64"
	I64  DType = "I64"
	I32  DType = "I32"
	I8   DType = "I8"
	U8   DType = "U8"
	BOOL DType = "BOOL"
)

// Size returns the width of one element in bytes, or 0 for unknown types.
func (d DType) Size() int {
	switch d {
	case F64, I64:
		return 8
	case F32, I32:
		return 4
	case F16, BF16:
		return 2
	case I8, U8, BOOL:
		return 1
	default:
		return 0
	}
}

// Tensor is one named entry of a file.
type Tensor struct {
	DType DType
	Shape []int
	Data  []byte
}

// File is a decoded safetensors file.
type File struct {
	Metadata map[string]string
	Tensors  map[string]Tensor
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	return names
}

type headerEntry struct {
	DType       DType    `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// FromFloat32 builds an F32 tensor.
func FromFloat32(shape []int, values []float32) Tensor {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}

	return Tensor{DType: F32, Shape: slices.Clone(shape), Data: data}
}

// Elements returns the number of elements described by the shape.
func (t Tensor) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}

	return n
}

// Float32 decodes floating point tensors into float32 values.
func (t Tensor) Float32() ([]float32, error) {
	n := t.Elements()
	if size := t.DType.Size(); size == 0 || len(t.Data) != n*size {
		return nil, fmt.Errorf("safetensors: %s tensor of shape %v has %d bytes", t.DType, t.Shape, len(t.Data))
	}

	out := make([]float32, n)
	switch t.DType {
	case F32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*i:]))
		}
	case F64:
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(t.Data[8*i:])))
		}
	case F16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[2*i:])).Float32()
		}
	case BF16:
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(t.Data[2*i:])) << 16)
		}
	default:
		return nil, fmt.Errorf("safetensors: cannot convert %s to float32", t.DType)
	}

	return out, nil
}

// Write encodes tensors in name order.
func Write(w io.Writer, tensors map[string]Tensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		if name == metadataKey {
			return fmt.Errorf("safetensors: reserved tensor name %q", name)
		}
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	var offset int64
	for _, name := range names {
		t := tensors[name]
		if t.DType.Size() == 0 {
			return fmt.Errorf("safetensors: tensor %s has unknown dtype %q", name, t.DType)
		}
		if want := t.Elements() * t.DType.Size(); len(t.Data) != want {
			return fmt.Errorf("safetensors: tensor %s: %s of shape %v needs %d bytes, has %d", name, t.DType, t.Shape, want, len(t.Data))
		}

		shape := t.Shape
		if shape == nil {
			shape = []int{}
		}
		end := offset + int64(len(t.Data))
		header[name] = headerEntry{DType: t.DType, Shape: shape, DataOffsets: [2]int64{offset, end}}
		offset = end
	}

	raw, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("safetensors: encode header: %w", err)
	}
	if pad := len(raw) % headerAlign; pad != 0 {
		raw = append(raw, bytes.Repeat([]byte(" "), headerAlign-pad)...)
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(raw))); err != nil {
		return err
	}
	if _, err := bw.Write(raw); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := bw.Write(tensors[name].Data); err != nil {
			return err
		}
	}

	return bw.Flush()
}

// Read decodes a whole file.
func Read(r io.Reader) (*File, error) {
	var size uint64
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, fmt.Errorf("safetensors: read header size: %w", err)
	}
	if size > maxHeaderSize {
		return nil, fmt.Errorf("safetensors: header of %d bytes exceeds limit", size)
	}

	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("safetensors: read header: %w", err)
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("safetensors: decode header: %w", err)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("safetensors: read data: %w", err)
	}

	f := &File{Tensors: make(map[string]Tensor, len(entries))}
	for name, msg := range entries {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &f.Metadata); err != nil {
				return nil, fmt.Errorf("safetensors: decode metadata: %w", err)
			}
			continue
		}

		var e headerEntry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, fmt.Errorf("safetensors: decode entry %s: %w", name, err)
		}

		begin, end := e.DataOffsets[0], e.DataOffsets[1]
		if begin < 0 || end < begin || end > int64(len(data)) {
			return nil, fmt.Errorf("safetensors: tensor %s has offsets [%d, %d) outside %d data bytes", name, begin, end, len(data))
		}

		t := Tensor{DType: e.DType, Shape: e.Shape, Data: data[begin:end:end]}
		if size := t.DType.Size(); size != 0 && int64(t.Elements()*size) != end-begin {
			return nil, fmt.Errorf("safetensors: tensor %s: shape %v does not match %d bytes", name, e.Shape, end-begin)
		}
		f.Tensors[name] = t
	}

	return f, nil
}

// WriteFile writes tensors to path, replacing any existing file.
func WriteFile(path string, tensors map[string]Tensor, metadata map[string]string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".safetensors-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := Write(tmp, tensors, metadata); err != nil {
		tmp.Close()
		return err
	}
	// CreateTemp opens with 0600; saved adapters are shared like any other model file.
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

// ReadFile reads the file at path.
func ReadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Read(bufio.NewReader(f))
}
