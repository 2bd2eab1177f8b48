// Package archive checks that an entry's staged payload is a readable zip
// archive carrying the members its format requires.
package archive

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/rules"
)

const DefaultName = "feed.archive"

type Config struct {
	RequiredFiles []string        `json:"requiredFiles"`
	Severity      domain.Severity `json:"severity"`
}

func defaultConfig() Config {
	return Config{
		RequiredFiles: []string{"agency.txt", "stops.txt", "routes.txt", "trips.txt", "stop_times.txt"},
		Severity:      domain.SeverityError,
	}
}

type Rule struct {
	name string
}

// New returns the rule registered under name, DefaultName when empty.
func New(name string) *Rule {
	if name == "" {
		name = DefaultName
	}
	return &Rule{name: name}
}

func (r *Rule) IdentifyingName() string { return r.name }

func (r *Rule) DefaultConfig() any { return defaultConfig() }

type member struct {
	Name string `json:"name"`
	Size uint64 `json:"size"`
}

type report struct {
	Archive string   `json:"archive"`
	Members []member `json:"members"`
	Missing []string `json:"missing,omitempty"`
}

func (r *Rule) Run(ctx context.Context, in rules.Input) (rules.Report, error) {
	cfg := rules.DecodeConfig(in.Config, defaultConfig())
	if cfg.Severity == "" {
		cfg.Severity = domain.SeverityError
	}

	src := filepath.Join(in.InputsDir, path.Base(rules.SourceKey(in.Entry)))
	zr, err := zip.OpenReader(src)
	if err != nil {
		msg := fmt.Sprintf("payload is not a readable zip archive: %v", err)
		return rules.Report{
			Message:  msg,
			Findings: []domain.Finding{{Code: "archive_unreadable", Message: msg, Severity: domain.SeverityCritical}},
		}, nil
	}
	defer zr.Close()

	rep := report{Archive: filepath.Base(src)}
	present := make(map[string]bool, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rep.Members = append(rep.Members, member{Name: f.Name, Size: f.UncompressedSize64})
		present[strings.ToLower(path.Base(f.Name))] = true
	}

	var findings []domain.Finding
	for _, name := range cfg.RequiredFiles {
		if present[strings.ToLower(name)] {
			continue
		}
		rep.Missing = append(rep.Missing, name)
		findings = append(findings, domain.Finding{
			Code:     "missing_file",
			Message:  fmt.Sprintf("required file %s is missing from the archive", name),
			Severity: cfg.Severity,
		})
	}
	sort.Strings(rep.Missing)

	if err := writeReport(filepath.Join(in.OutputsDir, "report.json"), rep); err != nil {
		return rules.Report{}, rules.Infrastructure(err)
	}

	msg := fmt.Sprintf("%d members, %d required missing", len(rep.Members), len(rep.Missing))
	if len(findings) == 0 {
		findings = append(findings, domain.Finding{Code: "archive_ok", Message: msg, Severity: domain.SeverityInfo})
	}
	return rules.Report{
		Message:  msg,
		Findings: findings,
		Packages: map[string][]string{"report": {"report.json"}},
	}, nil
}

func writeReport(p string, rep report) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}
