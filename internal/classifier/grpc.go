package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/example/wastesense/internal/logging"
	"github.com/example/wastesense/internal/metrics"
)

// ClassifyMethod is the full gRPC method name served by the classifier
// gateway.
const ClassifyMethod = "/wastesense.Classifier/Classify"

// ClassifyRequest is the gRPC request message.
type ClassifyRequest struct {
	Image    []byte `json:"image"`
	Filename string `json:"filename"`
}

// JSONCodec carries gRPC messages as JSON so the gateway needs no generated
// stubs.
type JSONCodec struct{}

func (JSONCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (JSONCodec) Name() string                               { return "json" }

// ClassifierServer is implemented by gRPC gateways in front of the model.
type ClassifierServer interface {
	Classify(ctx context.Context, req *ClassifyRequest) (*Prediction, error)
}

func classifyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ClassifyRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClassifierServer).Classify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ClassifyMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ClassifierServer).Classify(ctx, req.(*ClassifyRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc registers a ClassifierServer on a grpc.Server created with
// grpc.ForceServerCodec(JSONCodec{}).
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "wastesense.Classifier",
	HandlerType: (*ClassifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Classify", Handler: classifyHandler},
	},
	Streams: []grpc.StreamDesc{},
}

// DialGRPC returns a ready-to-use gRPC classifier client. The caller owns the
// connection.
func DialGRPC(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (Client, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("classifier.dial_grpc", "", err)
		logger.Error("failed to dial classifier", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return &GRPCClient{conn: conn, logger: logger.Named("classifier_grpc")}, conn, nil
}

// GRPCClient invokes ClassifyMethod over an existing connection.
type GRPCClient struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

// Classify sends image to the gateway.
func (g *GRPCClient) Classify(ctx context.Context, image []byte, filename string) (*Prediction, error) {
	if filename == "" {
		filename = "waste.jpg"
	}
	start := time.Now()
	var pred Prediction
	err := g.conn.Invoke(ctx, ClassifyMethod, &ClassifyRequest{Image: image, Filename: filename}, &pred, grpc.ForceCodec(JSONCodec{}))
	if err != nil {
		metrics.ClassifierFailTotal.WithLabelValues("grpc").Inc()
		wrapped := logging.NewOperationError("classifier.grpc_classify", "", fmt.Errorf("%w: %v", ErrService, err))
		g.logger.Error("classifier call failed", zap.Error(wrapped))
		return nil, wrapped
	}
	metrics.ClassifierDurationMs.WithLabelValues("grpc").Observe(float64(time.Since(start).Milliseconds()))
	if err := pred.Validate(); err != nil {
		metrics.ClassifierFailTotal.WithLabelValues("grpc").Inc()
		return nil, logging.NewOperationError("classifier.validate_response", "", err)
	}
	return &pred, nil
}
