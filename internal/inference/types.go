package inference

import (
	"context"
	"errors"
	"fmt"
)

// #region errors
var (
	// ErrNoOutput is returned when a session result carries no usable reconstruction tensor.
	ErrNoOutput = errors.New("no reconstruction output")
	// ErrShape is returned when a tensor does not match the session's declared input shape.
	ErrShape = errors.New("tensor shape mismatch")
)

// #endregion errors

// #region artifact
// Artifact is a fetched model: the model document plus an optional external blob
// holding large weight tensors.
type Artifact struct {
	Name         string
	Model        []byte
	ExternalData []byte
}

// #endregion artifact

// #region tensor
// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewSequenceTensor builds a [1, len(rows), width] tensor from per-frame feature rows.
// Rows shorter than width are zero-padded, longer ones truncated.
func NewSequenceTensor(rows [][]float32, width int) Tensor {
	data := make([]float32, len(rows)*width)
	for i, row := range rows {
		copy(data[i*width:(i+1)*width], row)
	}
	return Tensor{Shape: []int{1, len(rows), width}, Data: data}
}

// Frames returns the tensor as [sequence][feature] rows. It expects a [1, seq, width] shape.
func (t Tensor) Frames() ([][]float32, error) {
	if len(t.Shape) != 3 || t.Shape[0] != 1 {
		return nil, fmt.Errorf("%w: want [1 seq width], got %v", ErrShape, t.Shape)
	}
	seq, width := t.Shape[1], t.Shape[2]
	if len(t.Data) != seq*width {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(t.Data), t.Shape)
	}
	rows := make([][]float32, seq)
	for i := range rows {
		rows[i] = t.Data[i*width : (i+1)*width]
	}
	return rows, nil
}

// #endregion tensor

// #region interfaces
// Session is a loaded model ready for inference.
type Session interface {
	// SequenceLength is the model's declared input window length.
	SequenceLength() int
	// FeatureWidth is the number of features per frame.
	FeatureWidth() int
	// Run executes the model and returns its named outputs.
	Run(ctx context.Context, input Tensor) (map[string]Tensor, error)
	Close() error
}

// Runtime builds sessions from fetched artifacts.
type Runtime interface {
	Open(ctx context.Context, art Artifact) (Session, error)
}

// #endregion interfaces

// #region output-selection
// OutputNames lists the accepted reconstruction output names, in preference order.
var OutputNames = []string{"output", "reconstruction", "decoded"}

// SelectOutput picks the reconstruction tensor from a session result. A result with a
// single unnamed-match output is accepted as-is.
func SelectOutput(outputs map[string]Tensor) (Tensor, error) {
	for _, name := range OutputNames {
		if t, ok := outputs[name]; ok {
			return t, nil
		}
	}
	if len(outputs) == 1 {
		for _, t := range outputs {
			return t, nil
		}
	}
	return Tensor{}, fmt.Errorf("%w: got %d outputs", ErrNoOutput, len(outputs))
}

// #endregion output-selection
