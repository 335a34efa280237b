package numerics

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// jsonCodecName registers a JSON wire codec for the numerics gRPC
// service. The service exchanges plain estimation requests/responses
// rather than protoc-generated messages, so a JSON codec is used in
// place of a generated .pb.go — grpc's encoding.Codec interface is a
// first-class extension point for exactly this.
const jsonCodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return jsonCodecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// estimateRequest/estimateResponse are the wire messages for the one
// remote method this service needs: a batch worst-case-loss estimate
// over a return series.
type estimateRequest struct {
	Returns    []float64 `json:"returns"`
	Confidence float64   `json:"confidence"`
}

type estimateResponse struct {
	VaR  float64 `json:"var"`
	CVaR float64 `json:"cvar"`
}

// WorkerClient calls a remote numerical engine over gRPC, the same
// remote-worker shape the teacher uses for its Python strategy bridge
// (dial once, reuse the connection, a short per-call timeout).
type WorkerClient struct {
	conn *grpc.ClientConn
}

// NewWorkerClient dials addr. The connection is established lazily by
// grpc-go; failures surface on the first call.
func NewWorkerClient(addr string) (*WorkerClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		return nil, err
	}
	return &WorkerClient{conn: conn}, nil
}

func (w *WorkerClient) Close() error {
	if w.conn == nil {
		return nil
	}
	return w.conn.Close()
}

func (w *WorkerClient) estimate(ctx context.Context, returns []float64, confidence float64) (estimateResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req := estimateRequest{Returns: returns, Confidence: confidence}
	var resp estimateResponse
	err := w.conn.Invoke(ctx, "/numerics.Estimator/Estimate", &req, &resp)
	if err != nil {
		return estimateResponse{}, err
	}
	return resp, nil
}

// Remote wraps a WorkerClient as an Estimator, delegating everything
// except WorstCaseLoss/CVaR to a Local estimator (those two are the
// only operations expensive enough to justify an out-of-process engine)
// and falling back to Local entirely when the remote call fails.
type Remote struct {
	client *WorkerClient
	local  *Local
}

// NewRemote builds a Remote estimator. client may be nil, in which case
// Remote behaves exactly like Local.
func NewRemote(client *WorkerClient) *Remote {
	return &Remote{client: client, local: NewLocal()}
}

func (r *Remote) Mean(xs []float64) float64                    { return r.local.Mean(xs) }
func (r *Remote) Variance(xs []float64) float64                { return r.local.Variance(xs) }
func (r *Remote) StdDev(xs []float64) float64                  { return r.local.StdDev(xs) }
func (r *Remote) Correlation(xs, ys []float64) (float64, bool) { return r.local.Correlation(xs, ys) }
func (r *Remote) Quantile(p float64, xs []float64) float64     { return r.local.Quantile(p, xs) }

func (r *Remote) WorstCaseLoss(returns []float64, confidence float64) float64 {
	v, _, err := r.remoteEstimate(returns, confidence)
	if err != nil {
		return r.local.WorstCaseLoss(returns, confidence)
	}
	return v
}

func (r *Remote) CVaR(returns []float64, confidence float64) float64 {
	_, c, err := r.remoteEstimate(returns, confidence)
	if err != nil {
		return r.local.CVaR(returns, confidence)
	}
	return c
}

func (r *Remote) remoteEstimate(returns []float64, confidence float64) (float64, float64, error) {
	if r.client == nil {
		return 0, 0, status.Error(codes.Unavailable, "no remote numerics engine configured")
	}
	resp, err := r.client.estimate(context.Background(), returns, confidence)
	if err != nil {
		log.Printf("remote numerics engine call failed, falling back to local: %v", err)
		return 0, 0, err
	}
	return resp.VaR, resp.CVaR, nil
}
