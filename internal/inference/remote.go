package inference

import (
	"context"
	"encoding/base64"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region methods
// Full method names served by the model server sidecar. Requests and responses are
// google.protobuf.Struct documents so no generated stubs are required.
const (
	methodLoad   = "/formcheck.inference.v1.Inference/Load"
	methodRun    = "/formcheck.inference.v1.Inference/Run"
	methodUnload = "/formcheck.inference.v1.Inference/Unload"
)

// #endregion methods

// #region remote-struct
// RemoteRuntime runs models inside an out-of-process inference server reached over gRPC.
type RemoteRuntime struct {
	conn *grpc.ClientConn
	cc   grpc.ClientConnInterface
}

// #endregion remote-struct

// #region constructor
// NewRemoteRuntime connects to the inference server at addr.
func NewRemoteRuntime(addr string) (*RemoteRuntime, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &RemoteRuntime{conn: conn, cc: conn}, nil
}

// NewRemoteRuntimeWithConn creates a RemoteRuntime over an injected connection.
// Used for testing without a real server.
func NewRemoteRuntimeWithConn(cc grpc.ClientConnInterface) *RemoteRuntime {
	return &RemoteRuntime{cc: cc}
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection, if this runtime owns one.
func (r *RemoteRuntime) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

// #endregion close

// #region open
// Open uploads the artifact and returns a handle to the server-side session.
func (r *RemoteRuntime) Open(ctx context.Context, art Artifact) (Session, error) {
	req, err := structpb.NewStruct(map[string]any{
		"name":          art.Name,
		"model":         base64.StdEncoding.EncodeToString(art.Model),
		"external_data": base64.StdEncoding.EncodeToString(art.ExternalData),
	})
	if err != nil {
		return nil, fmt.Errorf("build load request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := r.cc.Invoke(ctx, methodLoad, req, resp); err != nil {
		return nil, fmt.Errorf("load rpc: %w", err)
	}

	fields := resp.GetFields()
	id := fields["session_id"].GetStringValue()
	seq := int(fields["sequence_length"].GetNumberValue())
	width := int(fields["feature_width"].GetNumberValue())
	if id == "" || seq <= 0 || width <= 0 {
		return nil, fmt.Errorf("load rpc: incomplete session descriptor (id=%q seq=%d width=%d)", id, seq, width)
	}

	return &remoteSession{cc: r.cc, id: id, seq: seq, width: width}, nil
}

// #endregion open

// #region session
type remoteSession struct {
	cc    grpc.ClientConnInterface
	id    string
	seq   int
	width int
}

func (s *remoteSession) SequenceLength() int { return s.seq }
func (s *remoteSession) FeatureWidth() int   { return s.width }

func (s *remoteSession) Run(ctx context.Context, input Tensor) (map[string]Tensor, error) {
	req, err := structpb.NewStruct(map[string]any{
		"session_id": s.id,
		"shape":      intsToAny(input.Shape),
		"data":       floatsToAny(input.Data),
	})
	if err != nil {
		return nil, fmt.Errorf("build run request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := s.cc.Invoke(ctx, methodRun, req, resp); err != nil {
		return nil, fmt.Errorf("run rpc: %w", err)
	}

	outputs := make(map[string]Tensor)
	for name, v := range resp.GetFields()["outputs"].GetStructValue().GetFields() {
		t := v.GetStructValue().GetFields()
		outputs[name] = Tensor{
			Shape: listToInts(t["shape"].GetListValue()),
			Data:  listToFloats(t["data"].GetListValue()),
		}
	}
	return outputs, nil
}

func (s *remoteSession) Close() error {
	req, err := structpb.NewStruct(map[string]any{"session_id": s.id})
	if err != nil {
		return err
	}
	if err := s.cc.Invoke(context.Background(), methodUnload, req, &structpb.Struct{}); err != nil {
		return fmt.Errorf("unload rpc: %w", err)
	}
	return nil
}

// #endregion session

// #region helpers
func intsToAny(v []int) []any {
	out := make([]any, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func floatsToAny(v []float32) []any {
	out := make([]any, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func listToInts(l *structpb.ListValue) []int {
	vals := l.GetValues()
	out := make([]int, len(vals))
	for i, v := range vals {
		out[i] = int(v.GetNumberValue())
	}
	return out
}

func listToFloats(l *structpb.ListValue) []float32 {
	vals := l.GetValues()
	out := make([]float32, len(vals))
	for i, v := range vals {
		out[i] = float32(v.GetNumberValue())
	}
	return out
}

// #endregion helpers
