package engine

import (
	"fmt"

	"github.com/heikotroetsch/simedge/internal/model"
)

// Tensor is a single named inference input in raw big-endian element form.
type Tensor struct {
	Name     string
	DataType model.DataType
	Data     []byte
}

// Session is a model loaded into an inference runtime. It may be reused
// across requests and must be safe for concurrent Run calls.
type Session interface {
	Run(input Tensor) ([][]byte, error)
	Close() error
}

// Engine turns model bytes into a runnable session.
type Engine interface {
	Load(modelBytes []byte) (Session, error)
}

// Reduce keeps only the requested element positions of every output tensor,
// concatenated in output order. An empty index list keeps every output whole.
func Reduce(outputs [][]byte, indices []int32, elemSize int) ([]byte, error) {
	if elemSize <= 0 {
		elemSize = 1
	}

	if len(indices) == 0 {
		size := 0
		for _, out := range outputs {
			size += len(out)
		}
		result := make([]byte, 0, size)
		for _, out := range outputs {
			result = append(result, out...)
		}
		return result, nil
	}

	result := make([]byte, 0, len(outputs)*len(indices)*elemSize)
	for o, out := range outputs {
		for _, idx := range indices {
			start := int(idx) * elemSize
			if idx < 0 || start+elemSize > len(out) {
				return nil, fmt.Errorf("output %d has %d elements, index %d out of range",
					o, len(out)/elemSize, idx)
			}
			result = append(result, out[start:start+elemSize]...)
		}
	}
	return result, nil
}
