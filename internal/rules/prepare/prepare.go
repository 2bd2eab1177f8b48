// Package prepare implements the implicit first task of every plan: it
// downloads the entry's source payload into staging.
package prepare

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/rules"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/scheduler"
)

type Staging interface {
	Save(ctx context.Context, reader io.Reader, key string, size int64) (int64, string, error)
	Fetch(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

type Config struct {
	// MaxBytes caps the payload size; larger payloads fail the entry.
	MaxBytes int64 `json:"maxBytes"`
}

type Rule struct {
	client  *http.Client
	staging Staging
}

func New(client *http.Client, staging Staging) *Rule {
	if client == nil {
		client = http.DefaultClient
	}
	return &Rule{client: client, staging: staging}
}

func (r *Rule) IdentifyingName() string { return scheduler.PrepareTaskName }

func (r *Rule) DefaultConfig() any { return Config{MaxBytes: 2 << 30} }

type summary struct {
	URL       string `json:"url"`
	Key       string `json:"key"`
	Etag      string `json:"etag,omitempty"`
	Size      int64  `json:"size"`
	SHA256    string `json:"sha256,omitempty"`
	Unchanged bool   `json:"unchanged"`
}

func (r *Rule) Run(ctx context.Context, in rules.Input) (rules.Report, error) {
	cfg := rules.DecodeConfig(in.Config, r.DefaultConfig().(Config))
	key := rules.SourceKey(in.Entry)
	feed := rules.FeedKey(in.Entry)

	etag := in.Entry.Etag
	if etag == "" {
		etag = r.lastEtag(ctx, feed)
	}

	sum, finding, err := r.download(ctx, in.Entry, key, feed, cfg, etag)
	if err != nil {
		return rules.Report{}, err
	}
	if finding != nil {
		return rules.Report{Message: finding.Message, Findings: []domain.Finding{*finding}}, nil
	}

	if err := writeSummary(filepath.Join(in.OutputsDir, "download.json"), sum); err != nil {
		return rules.Report{}, rules.Infrastructure(err)
	}

	msg := fmt.Sprintf("downloaded %d bytes from %s", sum.Size, sum.URL)
	if sum.Unchanged {
		msg = "source unchanged since last download"
	}
	return rules.Report{
		Message: msg,
		Findings: []domain.Finding{{
			Code:     "source_downloaded",
			Message:  msg,
			Severity: domain.SeverityInfo,
		}},
	}, nil
}

func (r *Rule) download(ctx context.Context, entry domain.Entry, key, feed string, cfg Config, etag string) (summary, *domain.Finding, error) {
	sum := summary{URL: entry.URL, Key: key}

	resp, finding, err := r.get(ctx, entry.URL, etag)
	if finding != nil || err != nil {
		return sum, finding, err
	}
	if resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		size, hash, err := r.copyStaged(ctx, feed, key)
		if err == nil {
			sum.Size, sum.SHA256, sum.Etag, sum.Unchanged = size, hash, etag, true
			return sum, nil, nil
		}
		slog.Info("source unchanged but not staged, downloading again",
			slog.String("url", entry.URL),
			slog.String("error", err.Error()),
		)

		// One unconditional attempt only.
		resp, finding, err = r.get(ctx, entry.URL, "")
		if finding != nil || err != nil {
			return sum, finding, err
		}
		if resp.StatusCode == http.StatusNotModified {
			resp.Body.Close()
			return sum, critical("download_failed", fmt.Sprintf("%s answered an unconditional download with %s", entry.URL, resp.Status)), nil
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return sum, nil, rules.Infrastructure(fmt.Errorf("download %s: %s", entry.URL, resp.Status))
	case resp.StatusCode != http.StatusOK:
		return sum, critical("download_failed", fmt.Sprintf("download of %s failed: %s", entry.URL, resp.Status)), nil
	}

	if cfg.MaxBytes > 0 && resp.ContentLength > cfg.MaxBytes {
		return sum, tooLarge(entry.URL, cfg.MaxBytes), nil
	}

	body := io.Reader(resp.Body)
	if cfg.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, cfg.MaxBytes+1)
	}
	written, hash, err := r.staging.Save(ctx, body, key, -1)
	if err != nil {
		return sum, nil, rules.Infrastructure(fmt.Errorf("stage %s: %w", key, err))
	}
	if cfg.MaxBytes > 0 && written > cfg.MaxBytes {
		if err := r.staging.Delete(ctx, key); err != nil {
			slog.Warn("remove truncated payload", slog.String("key", key), slog.String("error", err.Error()))
		}
		return sum, tooLarge(entry.URL, cfg.MaxBytes), nil
	}

	sum.Size, sum.SHA256, sum.Etag = written, hash, resp.Header.Get("ETag")
	r.remember(ctx, key, feed, sum.Etag)
	return sum, nil, nil
}

func (r *Rule) get(ctx context.Context, url, etag string) (*http.Response, *domain.Finding, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, critical("invalid_url", fmt.Sprintf("invalid source url %q: %v", url, err)), nil
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, nil, rules.Infrastructure(fmt.Errorf("download %s: %w", url, err))
	}
	return resp, nil, nil
}

func etagKey(feed string) string {
	return path.Join(path.Dir(feed), "etag")
}

// lastEtag returns the etag of the feed's latest payload, empty when unknown.
func (r *Rule) lastEtag(ctx context.Context, feed string) string {
	local, err := r.staging.Fetch(ctx, etagKey(feed))
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// remember keeps the payload as the feed's latest one, so a later entry
// answered with 304 can reuse it.
func (r *Rule) remember(ctx context.Context, key, feed, etag string) {
	if etag == "" {
		return
	}
	if _, _, err := r.copyStaged(ctx, key, feed); err != nil {
		slog.Warn("keep feed payload", slog.String("key", feed), slog.String("error", err.Error()))
		return
	}
	if _, _, err := r.staging.Save(ctx, strings.NewReader(etag), etagKey(feed), int64(len(etag))); err != nil {
		slog.Warn("keep feed etag", slog.String("key", feed), slog.String("error", err.Error()))
	}
}

func (r *Rule) copyStaged(ctx context.Context, from, to string) (int64, string, error) {
	local, err := r.staging.Fetch(ctx, from)
	if err != nil {
		return 0, "", err
	}
	f, err := os.Open(local)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, "", err
	}
	return r.staging.Save(ctx, f, to, info.Size())
}

func critical(code, msg string) *domain.Finding {
	return &domain.Finding{Code: code, Message: msg, Severity: domain.SeverityCritical}
}

func tooLarge(url string, limit int64) *domain.Finding {
	return critical("source_too_large", fmt.Sprintf("source %s exceeds %d bytes", url, limit))
}

func writeSummary(path string, sum summary) error {
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
