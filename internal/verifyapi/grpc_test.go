package verifyapi

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/faceverify/internal/detector"
	"github.com/example/faceverify/internal/faults"
)

type fakeVerificationServer struct {
	verify   func(*structpb.Struct) (*structpb.Struct, error)
	register func(*structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler(pick func(*fakeVerificationServer) func(*structpb.Struct) (*structpb.Struct, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		return pick(srv.(*fakeVerificationServer))(in)
	}
}

var fakeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Verify", Handler: unaryHandler(func(s *fakeVerificationServer) func(*structpb.Struct) (*structpb.Struct, error) { return s.verify })},
		{MethodName: "RegisterProfile", Handler: unaryHandler(func(s *fakeVerificationServer) func(*structpb.Struct) (*structpb.Struct, error) { return s.register })},
	},
}

func startFakeServer(t *testing.T, fake *fakeVerificationServer) *GRPCClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&fakeServiceDesc, fake)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return NewGRPCClient(conn, time.Second, zap.NewNop())
}

func TestGRPCClientVerify(t *testing.T) {
	client := startFakeServer(t, &fakeVerificationServer{
		verify: func(in *structpb.Struct) (*structpb.Struct, error) {
			f := in.GetFields()
			if f["user_id"].GetStringValue() != "user-1" || !f["liveness"].GetBoolValue() {
				return nil, status.Error(codes.InvalidArgument, "bad request")
			}
			if f["context"].GetStructValue().GetFields()["session_id"].GetStringValue() != "sess-1" {
				return nil, status.Error(codes.InvalidArgument, "missing session")
			}
			return structpb.NewStruct(map[string]interface{}{"success": true, "confidence": 0.88})
		},
	})

	res, err := client.Verify(context.Background(), "user-1", detector.Artifact{Data: []byte("jpeg")}, true, Metadata{SessionID: "sess-1", Attempt: 2})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Success || res.Confidence != 0.88 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestGRPCClientStatusCodesClassify(t *testing.T) {
	cases := []struct {
		code codes.Code
		want faults.Kind
	}{
		{codes.Unavailable, faults.KindNetworkError},
		{codes.NotFound, faults.KindFaceNotRegistered},
		{codes.Unauthenticated, faults.KindSecurityViolation},
		{codes.ResourceExhausted, faults.KindTooManyAttempts},
	}
	classifier := faults.NewClassifier()
	for _, tc := range cases {
		code := tc.code
		client := startFakeServer(t, &fakeVerificationServer{
			register: func(*structpb.Struct) (*structpb.Struct, error) {
				return nil, status.Error(code, "rejected")
			},
		})
		err := client.RegisterProfile(context.Background(), "u", []byte("enc"), Metadata{SessionID: "s"})
		if err == nil {
			t.Fatalf("code %s: expected error", code)
		}
		if got := classifier.Classify(err, faults.Context{}).Kind; got != tc.want {
			t.Fatalf("code %s: classified as %s, want %s", code, got, tc.want)
		}
	}
}
