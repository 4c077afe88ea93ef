package merger

import (
	"context"
	"net"
	"testing"

	"github.com/lattice-ci/conveyor/pkg/rpcproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type fakeMergerServer struct {
	lastReq *rpcproto.FetchAndMergeRequest
}

func (f *fakeMergerServer) FetchAndMerge(ctx context.Context, req *rpcproto.FetchAndMergeRequest) (*rpcproto.FetchAndMergeResponse, error) {
	f.lastReq = req
	if req.Strategy == "conflict" {
		return &rpcproto.FetchAndMergeResponse{Succeeded: false, Error: "merge conflict"}, nil
	}
	return &rpcproto.FetchAndMergeResponse{Succeeded: true, MergedRev: "cafef00d"}, nil
}

func startBufconnServer(t *testing.T, srv rpcproto.MergerServer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	t.Cleanup(func() { _ = lis.Close() })

	s := grpc.NewServer()
	rpcproto.RegisterMergerServer(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestFetchAndMergeRoundTrip(t *testing.T) {
	fake := &fakeMergerServer{}
	conn := startBufconnServer(t, fake)
	client := &Client{conn: conn}

	resp, err := client.FetchAndMerge(context.Background(), "group/app", "refs/changes/01/1/1", "merge")
	require.NoError(t, err)
	assert.True(t, resp.Succeeded)
	assert.Equal(t, "cafef00d", resp.MergedRev)
	assert.Equal(t, "group/app", fake.lastReq.Project)
}

func TestFetchAndMergeReportsConflict(t *testing.T) {
	conn := startBufconnServer(t, &fakeMergerServer{})
	client := &Client{conn: conn}

	resp, err := client.FetchAndMerge(context.Background(), "group/app", "refs/changes/01/1/1", "conflict")
	require.NoError(t, err)
	assert.False(t, resp.Succeeded)
	assert.Equal(t, "merge conflict", resp.Error)
}
