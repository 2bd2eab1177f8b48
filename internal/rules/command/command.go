// Package command wraps an external validator or converter executable as a
// rule. The process reads the staged inputs and writes into the outputs
// directory; findings it reports in findings.json become task findings.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/rules"
)

const (
	FindingsFile = "findings.json"
	configFile   = "rule-config.json"
	maxLogBytes  = 1 << 20
)

type Spec struct {
	Name string
	Path string
	// Args may reference {inputs}, {outputs}, {config} and {format}.
	Args        []string
	MaxParallel int
	Packages    map[string][]string
}

type Rule struct {
	spec Spec
	sem  chan struct{}
}

func New(spec Spec) *Rule {
	if spec.MaxParallel <= 0 {
		spec.MaxParallel = 1
	}
	return &Rule{spec: spec, sem: make(chan struct{}, spec.MaxParallel)}
}

func (r *Rule) IdentifyingName() string { return r.spec.Name }

type finding struct {
	Code     string          `json:"code"`
	Message  string          `json:"message"`
	Severity domain.Severity `json:"severity"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

func (r *Rule) Run(ctx context.Context, in rules.Input) (rules.Report, error) {
	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return rules.Report{}, rules.Infrastructure(fmt.Errorf("%s queue full or canceled: %w", r.spec.Name, ctx.Err()))
	}

	cfgPath := filepath.Join(filepath.Dir(in.InputsDir), configFile)
	cfg := in.Config
	if len(cfg) == 0 {
		cfg = []byte("{}")
	}
	if err := os.WriteFile(cfgPath, cfg, 0o644); err != nil {
		return rules.Report{}, rules.Infrastructure(err)
	}
	defer os.Remove(cfgPath)

	replacer := strings.NewReplacer(
		"{inputs}", in.InputsDir,
		"{outputs}", in.OutputsDir,
		"{config}", cfgPath,
		"{format}", in.Entry.Format,
	)
	args := make([]string, len(r.spec.Args))
	for i, a := range r.spec.Args {
		args[i] = replacer.Replace(a)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.spec.Path, args...)
	cmd.Dir = in.OutputsDir
	cmd.Stdout = &limitedBuffer{buf: &stdout, max: maxLogBytes}
	cmd.Stderr = &limitedBuffer{buf: &stderr, max: maxLogBytes}

	runErr := cmd.Run()
	writeLog(in.OutputsDir, "stdout.log", stdout.Bytes())
	writeLog(in.OutputsDir, "stderr.log", stderr.Bytes())

	var execErr *exec.Error
	if errors.As(runErr, &execErr) || errors.Is(runErr, fs.ErrNotExist) {
		return rules.Report{}, rules.Infrastructure(fmt.Errorf("start %s: %w", r.spec.Path, runErr))
	}
	if ctx.Err() != nil {
		return rules.Report{}, fmt.Errorf("%s: %w", r.spec.Name, ctx.Err())
	}

	findings, err := readFindings(filepath.Join(in.OutputsDir, FindingsFile))
	if err != nil {
		return rules.Report{Findings: findings}, err
	}
	report := rules.Report{Findings: findings, Packages: r.spec.Packages}
	if runErr != nil {
		return report, fmt.Errorf("%s exited: %v: %s", r.spec.Name, runErr, lastLine(stderr.String()))
	}
	report.Message = fmt.Sprintf("%s reported %d findings", r.spec.Name, len(findings))
	return report, nil
}

func readFindings(path string) ([]domain.Finding, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var raw []finding
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", FindingsFile, err)
	}
	res := make([]domain.Finding, 0, len(raw))
	for _, f := range raw {
		res = append(res, domain.Finding{Code: f.Code, Message: f.Message, Severity: f.Severity, Raw: f.Raw})
	}
	return res, nil
}

func writeLog(dir, name string, data []byte) {
	if len(data) == 0 {
		return
	}
	_ = os.WriteFile(filepath.Join(dir, name), data, 0o644)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// limitedBuffer keeps the first max bytes and discards the rest.
type limitedBuffer struct {
	buf *bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}
