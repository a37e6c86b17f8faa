package grpc

import (
	"context"
	"encoding/json"
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/singnet/snet-mpe-go/internal/testutil/grpcbuf"
)

// echoProto is a minimal proto definition used for testing dynamic gRPC invocation.
const echoProto = `
syntax = "proto3";
package test;
import "google/protobuf/empty.proto";
service Echo {
  rpc Ping(google.protobuf.Empty) returns (google.protobuf.Empty);
}
`

func newBufClient(t *testing.T) *Client {
	t.Helper()
	srv, lis, _ := grpcbuf.StartServer()
	t.Cleanup(srv.Stop)

	conn, err := grpcbuf.Dial(context.Background(), lis)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	client, err := NewClientFromConn(conn, map[string]string{"echo.proto": echoProto})
	if err != nil {
		t.Fatalf("NewClientFromConn: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientCallVariants(t *testing.T) {
	client := newBufClient(t)
	ctx := context.Background()

	t.Run("CallWithJSON", func(t *testing.T) {
		resp, err := client.CallWithJSON(ctx, "Ping", []byte(`{}`))
		if err != nil {
			t.Fatalf("CallWithJSON error: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(resp, &m); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		if len(m) != 0 {
			t.Fatalf("expected empty JSON response, got %v", m)
		}
	})

	t.Run("CallWithMap", func(t *testing.T) {
		resp, err := client.CallWithMap(ctx, "Ping", map[string]any{})
		if err != nil {
			t.Fatalf("CallWithMap error: %v", err)
		}
		if len(resp) != 0 {
			t.Fatalf("expected empty map response, got %v", resp)
		}
	})

	t.Run("CallWithProto", func(t *testing.T) {
		msg, err := client.CallWithProto(ctx, "Ping", &emptypb.Empty{})
		if err != nil {
			t.Fatalf("CallWithProto error: %v", err)
		}
		if !proto.Equal(msg, &emptypb.Empty{}) {
			t.Fatalf("unexpected proto response: %v", msg)
		}
	})
}

func TestFindMethodMissing(t *testing.T) {
	files, err := GetProtoDescriptors(map[string]string{"echo.proto": echoProto})
	if err != nil {
		t.Fatalf("GetProtoDescriptors: %v", err)
	}
	if _, _, err := FindMethod(files, "NoSuchMethod"); err == nil {
		t.Error("expected error for missing method")
	}
	fd, md, err := FindMethod(files, "Ping")
	if err != nil {
		t.Fatalf("FindMethod: %v", err)
	}
	if got := fullMethodPath(fd, md); got != "/test.Echo/Ping" {
		t.Errorf("method path = %q; want /test.Echo/Ping", got)
	}
}

func TestGrpcCredsFromEndpoint(t *testing.T) {
	cases := []struct {
		endpoint string
		wantAddr string
	}{
		{"https://example.org:8089", "example.org:8089"},
		{"http://example.org:8089", "example.org:8089"},
		{"example.org:8089", "example.org:8089"},
	}
	for _, c := range cases {
		addr, creds := grpcCredsFromEndpoint(c.endpoint)
		if addr != c.wantAddr {
			t.Errorf("addr(%q) = %q; want %q", c.endpoint, addr, c.wantAddr)
		}
		if creds == nil {
			t.Errorf("nil dial option for %q", c.endpoint)
		}
	}
}

func TestGetProtoDescriptorsEmpty(t *testing.T) {
	if _, err := GetProtoDescriptors(map[string]string{}); err == nil {
		t.Error("expected error for empty proto set")
	}
}
