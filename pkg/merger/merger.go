// Package merger is the client side of spec.md §2 point 5's "merger"
// collaborator: an RPC service, external to this core, that performs the
// actual fetch-and-merge of a change onto its target branch. The pipeline
// manager never merges a worktree itself; it calls FetchAndMerge and
// waits for the result, the same RPC-collaborator split pkg/client draws
// between the CLI and the manager.
package merger

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/lattice-ci/conveyor/pkg/rpcproto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Client dials one merger service instance.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the merger service at addr. When cert is non-nil the
// connection is mTLS, presenting cert and trusting caPool, grounded on
// pkg/client's connectWithMTLS; a nil cert dials insecure, for local
// development only.
func Dial(addr string, cert *tls.Certificate, caPool *x509.CertPool) (*Client, error) {
	var creds credentials.TransportCredentials
	if cert != nil {
		creds = credentials.NewTLS(&tls.Config{
			Certificates: []tls.Certificate{*cert},
			RootCAs:      caPool,
			MinVersion:   tls.VersionTLS13,
		})
	} else {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("merger: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// FetchAndMerge asks the merger service to fetch project at ref and
// merge it using strategy, blocking until it answers or ctx expires.
func (c *Client) FetchAndMerge(ctx context.Context, project, ref, strategy string) (*rpcproto.FetchAndMergeResponse, error) {
	req := &rpcproto.FetchAndMergeRequest{Project: project, Ref: ref, Strategy: strategy}
	resp := new(rpcproto.FetchAndMergeResponse)
	method := fmt.Sprintf("/%s/FetchAndMerge", rpcproto.MergerServiceName)
	if err := c.conn.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(rpcproto.Name)); err != nil {
		return nil, fmt.Errorf("merger: FetchAndMerge %s@%s: %w", project, ref, err)
	}
	return resp, nil
}

// defaultTimeout bounds one FetchAndMerge call when the caller supplies
// a context with no deadline of its own (spec §5's suspension-point
// discipline).
const defaultTimeout = 2 * time.Minute

// FetchAndMergeWithDefaultTimeout is a convenience wrapper applying
// defaultTimeout to ctx when it carries no deadline.
func (c *Client) FetchAndMergeWithDefaultTimeout(ctx context.Context, project, ref, strategy string) (*rpcproto.FetchAndMergeResponse, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}
	return c.FetchAndMerge(ctx, project, ref, strategy)
}
