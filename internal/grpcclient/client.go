// Package grpcclient queries a running recorder over gRPC.
package grpcclient

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	apperrors "github.com/GriffinCanCode/zoomrec/internal/errors"
	"github.com/GriffinCanCode/zoomrec/internal/resilience"
	"github.com/GriffinCanCode/zoomrec/internal/trace"
)

// Client wraps the recorder's health service.
type Client struct {
	conn   *grpc.ClientConn
	Health healthpb.HealthClient
	retry  resilience.RetryConfig
}

// New creates a client for addr. The connection is made lazily on the first
// call; opts are applied after the defaults.
func New(addr string, opts ...grpc.DialOption) (*Client, error) {
	defaults := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    DefaultKeepaliveTime,
			Timeout: DefaultKeepaliveTimeout,
		}),
		grpc.WithUnaryInterceptor(propagateTrace),
	}
	conn, err := grpc.NewClient(addr, append(defaults, opts...)...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInvalidArgument, "create grpc client").WithMetadata("addr", addr)
	}

	return &Client{
		conn:   conn,
		Health: healthpb.NewHealthClient(conn),
		retry:  resilience.DefaultRetryConfig(),
	}, nil
}

// Close closes the gRPC connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Status returns the serving status of service ("" for the process itself),
// retrying while the server is unreachable.
func (c *Client) Status(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := resilience.RetryWithResult(ctx, c.retry, func(ctx context.Context) (*healthpb.HealthCheckResponse, error) {
		ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
		defer cancel()
		return c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, apperrors.FromGRPCError(err).WithMetadata("service", service)
	}
	return resp.GetStatus(), nil
}

// propagateTrace forwards the caller's trace ids as metadata.
func propagateTrace(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if tc, ok := trace.FromContext(ctx); ok {
		for k, v := range tc.ToMap() {
			ctx = metadata.AppendToOutgoingContext(ctx, k, v)
		}
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}
