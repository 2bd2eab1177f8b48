package remote

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/rules"
)

// Server runs requested rules in a scratch directory per request.
type Server struct {
	registry *rules.Registry
	workDir  string
}

func NewServer(registry *rules.Registry, workDir string) *Server {
	return &Server{registry: registry, workDir: workDir}
}

// NewGRPCServer returns a grpc.Server with the RuleRunner service and the
// logging and recovery interceptors installed.
func NewGRPCServer(logger *slog.Logger, srv RuleRunnerServer) *grpc.Server {
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			UnaryLoggingInterceptor(logger),
			RecoveryUnaryInterceptor(logger),
		),
		grpc.MaxRecvMsgSize(maxMessageLen),
		grpc.MaxSendMsgSize(maxMessageLen),
	)
	RegisterRuleRunnerServer(s, srv)
	return s
}

func (s *Server) Run(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	rule, ok := s.registry.Lookup(req.Rule)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "rule %s is not hosted by this runner", req.Rule)
	}
	id, err := uuid.Parse(req.RequestID)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request id %q", req.RequestID)
	}

	root := filepath.Join(s.workDir, "requests", id.String())
	defer os.RemoveAll(root)

	in := rules.Input{
		Entry:      req.Entry,
		Task:       req.Task,
		InputsDir:  filepath.Join(root, "inputs"),
		OutputsDir: filepath.Join(root, "outputs"),
		Config:     req.Config,
	}
	if err := os.MkdirAll(in.OutputsDir, 0o755); err != nil {
		return nil, status.Errorf(codes.Unavailable, "create outputs: %v", err)
	}
	if err := os.MkdirAll(in.InputsDir, 0o755); err != nil {
		return nil, status.Errorf(codes.Unavailable, "create inputs: %v", err)
	}
	if err := writeFiles(in.InputsDir, req.Inputs); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "inputs: %v", err)
	}

	report, err := rule.Run(ctx, in)
	if err != nil {
		if rules.IsInfrastructure(err) {
			return nil, status.Errorf(codes.Unavailable, "%v", err)
		}
		return nil, status.Errorf(codes.Aborted, "%v", err)
	}

	outputs, err := readDir(in.OutputsDir)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "collect outputs: %v", err)
	}

	slog.Info("remote rule executed",
		slog.String("request_id", req.RequestID),
		slog.String("rule", req.Rule),
		slog.String("entry_id", req.Entry.PublicID),
		slog.Int("findings", len(report.Findings)),
		slog.Int("outputs", len(outputs)),
	)
	return &RunResponse{Report: report, Outputs: outputs}, nil
}
