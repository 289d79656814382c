package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/goccy/go-json"
	"github.com/x448/float16"

	"github.com/samcharles93/mhattn/internal/numeric"
)

type pendingTensor struct {
	name  string
	dtype numeric.DType
	shape []int
	data  []byte
}

// Writer collects tensors in memory and writes them as one file. Tensors are
// laid out in the order they were added.
type Writer struct {
	tensors  []pendingTensor
	names    map[string]struct{}
	metadata map[string]string
}

func NewWriter() *Writer {
	return &Writer{names: make(map[string]struct{})}
}

// SetMetadata records a __metadata__ entry.
func (w *Writer) SetMetadata(key, value string) {
	if w.metadata == nil {
		w.metadata = make(map[string]string)
	}
	w.metadata[key] = value
}

// Add appends a raw little endian tensor.
func (w *Writer) Add(name string, dt numeric.DType, shape []int, data []byte) error {
	if name == metadataKey {
		return fmt.Errorf("tensor name %s is reserved", name)
	}
	if _, ok := w.names[name]; ok {
		return fmt.Errorf("tensor %s added twice", name)
	}
	n, err := numElements(shape)
	if err != nil {
		return fmt.Errorf("tensor %s: %w", name, err)
	}
	if dt.Size() == 0 || len(data) != n*dt.Size() {
		return fmt.Errorf("tensor %s: %d bytes for %d %s elements", name, len(data), n, dt)
	}
	w.names[name] = struct{}{}
	w.tensors = append(w.tensors, pendingTensor{name: name, dtype: dt, shape: append([]int{}, shape...), data: data})
	return nil
}

// AddF32 appends an F32 tensor.
func (w *Writer) AddF32(name string, shape []int, v []float32) error {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return w.Add(name, numeric.DTypeF32, shape, buf)
}

// AddF16 appends an F16 tensor.
func (w *Writer) AddF16(name string, shape []int, v []float16.Float16) error {
	buf := make([]byte, 2*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint16(buf[i*2:], x.Bits())
	}
	return w.Add(name, numeric.DTypeF16, shape, buf)
}

// AddI8 appends an I8 tensor.
func (w *Writer) AddI8(name string, shape []int, v []int8) error {
	buf := make([]byte, len(v))
	for i, x := range v {
		buf[i] = byte(x)
	}
	return w.Add(name, numeric.DTypeI8, shape, buf)
}

// AddElements appends an activation tensor in its own dtype.
func AddElements[E numeric.Element](w *Writer, name string, shape []int, v []E) error {
	switch x := any(v).(type) {
	case []float32:
		return w.AddF32(name, shape, x)
	case []float16.Float16:
		return w.AddF16(name, shape, x)
	}
	return fmt.Errorf("%w: tensor %s", numeric.ErrUnsupportedDType, name)
}

// WriteTo writes the header and the tensor data.
func (w *Writer) WriteTo(dst io.Writer) (int64, error) {
	header := make(map[string]any, len(w.tensors)+1)
	if len(w.metadata) > 0 {
		header[metadataKey] = w.metadata
	}
	var off int64
	for _, t := range w.tensors {
		end := off + int64(len(t.data))
		header[t.name] = tensorHeader{DType: t.dtype.String(), Shape: t.shape, DataOffsets: []int64{off, end}}
		off = end
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return 0, fmt.Errorf("marshal header: %w", err)
	}
	// Pad the header with spaces so tensor data starts 8-byte aligned.
	for len(hdr)%8 != 0 {
		hdr = append(hdr, ' ')
	}

	var total int64
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	for _, chunk := range [][]byte{lenBuf[:], hdr} {
		n, err := dst.Write(chunk)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	for _, t := range w.tensors {
		n, err := dst.Write(t.data)
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("write tensor %s: %w", t.name, err)
		}
	}
	return total, nil
}

// WriteFile writes the collected tensors to path.
func (w *Writer) WriteFile(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	bw := bufio.NewWriter(f)
	if _, err := w.WriteTo(bw); err != nil {
		return err
	}
	return bw.Flush()
}
