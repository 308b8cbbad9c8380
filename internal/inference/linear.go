package inference

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

// #region linear-model
// LinearFormat identifies the linear autoencoder model document.
const LinearFormat = "linear-ae/v1"

// LinearModel is a PCA-style autoencoder: frames are centered on Mean, projected onto
// the Latent principal Components and mapped back. Components is row-major
// [Latent][FeatureWidth].
type LinearModel struct {
	SequenceLength int       `json:"sequence_length"`
	FeatureWidth   int       `json:"feature_width"`
	Latent         int       `json:"latent"`
	OutputName     string    `json:"output_name,omitempty"`
	Mean           []float32 `json:"mean,omitempty"`
	Components     []float32 `json:"components,omitempty"`
}

type linearDoc struct {
	Format string `json:"format"`
	LinearModel
	ExternalData bool `json:"external_data,omitempty"`
}

// Artifact serializes the model. With external set, the weights move into the
// external data blob and the document only carries the header.
func (m LinearModel) Artifact(name string, external bool) (Artifact, error) {
	doc := linearDoc{Format: LinearFormat, LinearModel: m, ExternalData: external}
	var blob []byte
	if external {
		blob = encodeFloats(append(append([]float32{}, m.Mean...), m.Components...))
		doc.Mean = nil
		doc.Components = nil
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return Artifact{}, fmt.Errorf("marshal linear model: %w", err)
	}
	return Artifact{Name: name, Model: body, ExternalData: blob}, nil
}

// Save writes the model document to path and, with external set, its weights to
// "<path>.data" where Fetch looks for them by default.
func (m LinearModel) Save(path string, external bool) error {
	art, err := m.Artifact(filepath.Base(path), external)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, art.Model, 0o644); err != nil {
		return fmt.Errorf("write model %s: %w", path, err)
	}
	if external {
		if err := os.WriteFile(path+".data", art.ExternalData, 0o644); err != nil {
			return fmt.Errorf("write external data for %s: %w", path, err)
		}
	}
	return nil
}

// IdentityModel reconstructs every frame exactly. It is the passthrough baseline used to
// smoke-test a pipeline: every window scores a reconstruction error of zero.
func IdentityModel(seq, width int) LinearModel {
	comps := make([]float32, width*width)
	for i := 0; i < width; i++ {
		comps[i*width+i] = 1
	}
	return LinearModel{
		SequenceLength: seq,
		FeatureWidth:   width,
		Latent:         width,
		OutputName:     "reconstruction",
		Mean:           make([]float32, width),
		Components:     comps,
	}
}

// #endregion linear-model

// #region linear-runtime
// LinearRuntime executes LinearModel documents in-process.
type LinearRuntime struct{}

// NewLinearRuntime creates the in-process runtime.
func NewLinearRuntime() *LinearRuntime {
	return &LinearRuntime{}
}

// Open parses the model document and, when the document says so, its external weight blob.
func (LinearRuntime) Open(_ context.Context, art Artifact) (Session, error) {
	var doc linearDoc
	if err := json.Unmarshal(art.Model, &doc); err != nil {
		return nil, fmt.Errorf("parse model %s: %w", art.Name, err)
	}
	if doc.Format != LinearFormat {
		return nil, fmt.Errorf("model %s: unsupported format %q", art.Name, doc.Format)
	}
	m := doc.LinearModel
	if m.SequenceLength <= 0 || m.FeatureWidth <= 0 || m.Latent <= 0 {
		return nil, fmt.Errorf("model %s: invalid dimensions seq=%d width=%d latent=%d",
			art.Name, m.SequenceLength, m.FeatureWidth, m.Latent)
	}

	if doc.ExternalData {
		want := m.FeatureWidth + m.Latent*m.FeatureWidth
		weights := decodeFloats(art.ExternalData)
		if len(weights) != want {
			return nil, fmt.Errorf("model %s: external data holds %d weights, want %d", art.Name, len(weights), want)
		}
		m.Mean = weights[:m.FeatureWidth]
		m.Components = weights[m.FeatureWidth:]
	}
	if len(m.Mean) != m.FeatureWidth || len(m.Components) != m.Latent*m.FeatureWidth {
		return nil, fmt.Errorf("model %s: weight sizes do not match header", art.Name)
	}

	out := m.OutputName
	if out == "" {
		out = OutputNames[0]
	}
	return &linearSession{
		seq:        m.SequenceLength,
		width:      m.FeatureWidth,
		mean:       toFloat64(m.Mean),
		components: mat.NewDense(m.Latent, m.FeatureWidth, toFloat64(m.Components)),
		outputName: out,
	}, nil
}

// #endregion linear-runtime

// #region linear-session
type linearSession struct {
	seq        int
	width      int
	mean       []float64
	components *mat.Dense
	outputName string
}

func (s *linearSession) SequenceLength() int { return s.seq }
func (s *linearSession) FeatureWidth() int   { return s.width }
func (s *linearSession) Close() error        { return nil }

func (s *linearSession) Run(ctx context.Context, input Tensor) (map[string]Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(input.Shape) != 3 || input.Shape[0] != 1 || input.Shape[1] != s.seq || input.Shape[2] != s.width {
		return nil, fmt.Errorf("%w: want [1 %d %d], got %v", ErrShape, s.seq, s.width, input.Shape)
	}

	x := mat.NewDense(s.seq, s.width, toFloat64(input.Data))
	for i := 0; i < s.seq; i++ {
		for j := 0; j < s.width; j++ {
			x.Set(i, j, x.At(i, j)-s.mean[j])
		}
	}

	var latent mat.Dense
	latent.Mul(x, s.components.T())
	var recon mat.Dense
	recon.Mul(&latent, s.components)

	data := make([]float32, s.seq*s.width)
	for i := 0; i < s.seq; i++ {
		for j := 0; j < s.width; j++ {
			data[i*s.width+j] = float32(recon.At(i, j) + s.mean[j])
		}
	}
	return map[string]Tensor{
		s.outputName: {Shape: []int{1, s.seq, s.width}, Data: data},
	}, nil
}

// #endregion linear-session

// #region float-encoding
func encodeFloats(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeFloats(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

// #endregion float-encoding
