// Package remote runs rules out of process. The worker side is a rules.Rule
// that ships the task's inputs to a rulerunner over gRPC; the runner side
// hosts a rules.Registry behind the RuleRunner service.
package remote

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/rules"
)

const (
	serviceName   = "rulerunner.RuleRunner"
	runMethod     = "/" + serviceName + "/Run"
	maxMessageLen = 512 << 20
)

type File struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

type RunRequest struct {
	RequestID string          `json:"request_id"`
	Rule      string          `json:"rule"`
	Entry     domain.Entry    `json:"entry"`
	Task      domain.Task     `json:"task"`
	Config    json.RawMessage `json:"config,omitempty"`
	Inputs    []File          `json:"inputs"`
}

type RunResponse struct {
	Report  rules.Report `json:"report"`
	Outputs []File       `json:"outputs,omitempty"`
}

type RuleRunnerServer interface {
	Run(ctx context.Context, req *RunRequest) (*RunResponse, error)
}

func RegisterRuleRunnerServer(s grpc.ServiceRegistrar, srv RuleRunnerServer) {
	s.RegisterService(&serviceDesc, srv)
}

func runHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RunRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RuleRunnerServer).Run(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: runMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RuleRunnerServer).Run(ctx, req.(*RunRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RuleRunnerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: runHandler},
	},
	Streams: []grpc.StreamDesc{},
}

type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) Run(ctx context.Context, req *RunRequest, opts ...grpc.CallOption) (*RunResponse, error) {
	out := new(RunResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.conn.Invoke(ctx, runMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
