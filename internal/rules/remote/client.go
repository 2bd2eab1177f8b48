package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/rules"
)

func NewConnection(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageLen),
			grpc.MaxCallSendMsgSize(maxMessageLen),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %v", err)
	}

	return conn, nil
}

// Rule executes a ruleset on the rulerunner.
type Rule struct {
	name    string
	client  *Client
	timeout time.Duration
}

func NewRule(name string, client *Client, timeout time.Duration) *Rule {
	return &Rule{name: name, client: client, timeout: timeout}
}

func (r *Rule) IdentifyingName() string { return r.name }

func (r *Rule) Run(ctx context.Context, in rules.Input) (rules.Report, error) {
	inputs, err := readDir(in.InputsDir)
	if err != nil {
		return rules.Report{}, rules.Infrastructure(err)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	resp, err := r.client.Run(ctx, &RunRequest{
		RequestID: uuid.NewString(),
		Rule:      r.name,
		Entry:     in.Entry,
		Task:      in.Task,
		Config:    in.Config,
		Inputs:    inputs,
	})
	if err != nil {
		return rules.Report{}, callError(r.name, err)
	}

	if err := writeFiles(in.OutputsDir, resp.Outputs); err != nil {
		return resp.Report, rules.Infrastructure(err)
	}
	return resp.Report, nil
}

// callError keeps transport failures retryable; anything the runner
// reports about the rule itself is a rule failure.
func callError(rule string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Canceled:
		return rules.Infrastructure(fmt.Errorf("remote rule %s: %w", rule, err))
	default:
		return fmt.Errorf("remote rule %s: %s", rule, status.Convert(err).Message())
	}
}

func readDir(dir string) ([]File, error) {
	var files []File
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files = append(files, File{Name: filepath.ToSlash(rel), Data: data})
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	return files, nil
}

func writeFiles(dir string, files []File) error {
	for _, f := range files {
		name := filepath.FromSlash(f.Name)
		if name == "" || filepath.IsAbs(name) || strings.HasPrefix(filepath.Clean(name), "..") {
			return fmt.Errorf("invalid file name %q", f.Name)
		}
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, f.Data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	return nil
}
