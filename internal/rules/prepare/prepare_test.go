package prepare_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/rules"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/rules/prepare"
)

// diskStaging keeps staged payloads as plain files below dir.
type diskStaging struct {
	dir   string
	saved map[string][]byte
}

func newStaging(t *testing.T) *diskStaging {
	return &diskStaging{dir: t.TempDir(), saved: map[string][]byte{}}
}

func (m *diskStaging) Save(_ context.Context, r io.Reader, key string, _ int64) (int64, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, "", err
	}
	local := filepath.Join(m.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return 0, "", err
	}
	if err := os.WriteFile(local, data, 0o644); err != nil {
		return 0, "", err
	}
	m.saved[key] = data
	sum := sha256.Sum256(data)
	return int64(len(data)), hex.EncodeToString(sum[:]), nil
}

func (m *diskStaging) Fetch(_ context.Context, key string) (string, error) {
	if _, ok := m.saved[key]; !ok {
		return "", errors.New("not staged")
	}
	return filepath.Join(m.dir, filepath.FromSlash(key)), nil
}

func (m *diskStaging) Delete(_ context.Context, key string) error {
	delete(m.saved, key)
	return os.Remove(filepath.Join(m.dir, filepath.FromSlash(key)))
}

func input(t *testing.T, publicID, url string) rules.Input {
	t.Helper()
	return rules.Input{
		Entry:      domain.Entry{PublicID: publicID, BusinessID: "2942108-7", URL: url, Format: "gtfs"},
		Task:       domain.Task{ID: 1, Name: "prepare"},
		OutputsDir: t.TempDir(),
	}
}

func TestDownloadStagesPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v2"`)
		w.Write([]byte("zip-bytes"))
	}))
	defer srv.Close()

	staging := newStaging(t)
	rule := prepare.New(srv.Client(), staging)
	in := input(t, "e1", srv.URL)

	report, err := rule.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := staging.saved["entries/e1/source/gtfs.zip"]; !bytes.Equal(got, []byte("zip-bytes")) {
		t.Fatalf("staged payload = %q", got)
	}
	if got := staging.saved[rules.FeedKey(in.Entry)]; !bytes.Equal(got, []byte("zip-bytes")) {
		t.Fatalf("feed payload = %q", got)
	}
	if len(report.Findings) != 1 || report.Findings[0].Severity != domain.SeverityInfo {
		t.Fatalf("findings = %+v", report.Findings)
	}
	if _, err := os.Stat(filepath.Join(in.OutputsDir, "download.json")); err != nil {
		t.Fatalf("download summary: %v", err)
	}
}

func TestNotModifiedReusesEarlierEntryPayload(t *testing.T) {
	var requests, conditional int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Header.Get("If-None-Match") == `"v1"` {
			conditional++
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	staging := newStaging(t)
	rule := prepare.New(srv.Client(), staging)

	if _, err := rule.Run(context.Background(), input(t, "e1", srv.URL)); err != nil {
		t.Fatalf("first entry: %v", err)
	}

	// A second submission of the same feed sends the remembered etag.
	report, err := rule.Run(context.Background(), input(t, "e2", srv.URL))
	if err != nil {
		t.Fatalf("second entry: %v", err)
	}
	if requests != 2 || conditional != 1 {
		t.Fatalf("requests = %d conditional = %d, want 2 and 1", requests, conditional)
	}
	if got := string(staging.saved["entries/e2/source/gtfs.zip"]); got != "payload" {
		t.Fatalf("second entry payload = %q", got)
	}
	if report.Message != "source unchanged since last download" {
		t.Fatalf("message = %q", report.Message)
	}

	// A different submitter does not share the payload.
	other := input(t, "e3", srv.URL)
	other.Entry.BusinessID = "0000000-0"
	if _, err := rule.Run(context.Background(), other); err != nil {
		t.Fatalf("other submitter: %v", err)
	}
	if conditional != 1 {
		t.Fatalf("other submitter sent a conditional request")
	}
}

func TestNotModifiedWithoutStagedPayload(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Header.Get("If-None-Match") != "" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	staging := newStaging(t)
	in := input(t, "e1", srv.URL)
	in.Entry.Etag = `"v1"`
	if _, err := prepare.New(srv.Client(), staging).Run(context.Background(), in); err != nil {
		t.Fatalf("run: %v", err)
	}
	if requests != 2 {
		t.Fatalf("requests = %d, want 2", requests)
	}
	if got := string(staging.saved["entries/e1/source/gtfs.zip"]); got != "fresh" {
		t.Fatalf("staged payload = %q", got)
	}
}

func TestUnconditionalNotModifiedIsBounded(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	in := input(t, "e1", srv.URL)
	in.Entry.Etag = `"v1"`
	report, err := prepare.New(srv.Client(), newStaging(t)).Run(context.Background(), in)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if requests != 2 {
		t.Fatalf("requests = %d, want 2", requests)
	}
	if len(report.Findings) != 1 || report.Findings[0].Code != "download_failed" {
		t.Fatalf("findings = %+v", report.Findings)
	}
}

func TestClientErrorIsCriticalFinding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	report, err := prepare.New(srv.Client(), newStaging(t)).Run(context.Background(), input(t, "e1", srv.URL))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Findings) != 1 || report.Findings[0].Severity != domain.SeverityCritical {
		t.Fatalf("findings = %+v", report.Findings)
	}
}

func TestServerErrorIsInfrastructure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := prepare.New(srv.Client(), newStaging(t)).Run(context.Background(), input(t, "e1", srv.URL))
	if !rules.IsInfrastructure(err) {
		t.Fatalf("err = %v, want infrastructure error", err)
	}
}

func TestOversizedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Flushing drops the Content-Length, so the size is only known while reading.
		w.Write(bytes.Repeat([]byte("x"), 32))
		w.(http.Flusher).Flush()
		w.Write(bytes.Repeat([]byte("x"), 32))
	}))
	defer srv.Close()

	staging := newStaging(t)
	in := input(t, "e1", srv.URL)
	in.Config = []byte(`{"maxBytes":16}`)
	report, err := prepare.New(srv.Client(), staging).Run(context.Background(), in)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Findings) != 1 || report.Findings[0].Code != "source_too_large" {
		t.Fatalf("findings = %+v", report.Findings)
	}
	if len(staging.saved) != 0 {
		t.Fatalf("truncated payload left staged: %v", staging.saved)
	}
}
