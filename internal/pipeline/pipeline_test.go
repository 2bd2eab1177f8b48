package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/pipeline"
)

type fakeEntries struct {
	entry      domain.Entry
	calls      []string
	statuses   []domain.Status
	failUpdate error
}

func (f *fakeEntries) FindEntry(ctx context.Context, publicID string) (domain.Entry, error) {
	if publicID != f.entry.PublicID {
		return domain.Entry{}, domain.ErrNotFound
	}
	return f.entry, nil
}

func (f *fakeEntries) MarkStatus(ctx context.Context, e domain.Entry, status domain.Status) error {
	f.statuses = append(f.statuses, status)
	f.entry.Status = status
	return nil
}

func (f *fakeEntries) StartEntryProcessing(ctx context.Context, e domain.Entry) error {
	f.calls = append(f.calls, "start")
	now := time.Now()
	f.entry.Started = &now
	return nil
}

func (f *fakeEntries) UpdateEntryProcessing(ctx context.Context, e domain.Entry) error {
	f.calls = append(f.calls, "update")
	return f.failUpdate
}

func (f *fakeEntries) CompleteEntryProcessing(ctx context.Context, e domain.Entry) error {
	f.calls = append(f.calls, "complete")
	now := time.Now()
	f.entry.Completed = &now
	return nil
}

type fakeResults struct {
	tasks     []domain.Task
	counts    map[domain.Severity]int
	cancelled []domain.Stage
}

func (f *fakeResults) FindTasks(ctx context.Context, entryID int64) ([]domain.Task, error) {
	return f.tasks, nil
}

func (f *fakeResults) SeverityCounts(ctx context.Context, entryID int64) (map[domain.Severity]int, error) {
	return f.counts, nil
}

func (f *fakeResults) CancelUnfinishedTasks(ctx context.Context, entryID int64, stage domain.Stage) (int64, error) {
	f.cancelled = append(f.cancelled, stage)
	return 0, nil
}

type published struct {
	destination string
	msg         domain.JobMessage
}

type fakePublisher struct {
	sent []published
	fail map[string]error
}

func (f *fakePublisher) Publish(ctx context.Context, destination string, m domain.JobMessage) error {
	if err := f.fail[destination]; err != nil {
		return err
	}
	f.sent = append(f.sent, published{destination: destination, msg: m})
	return nil
}

func (f *fakePublisher) last(t *testing.T) published {
	t.Helper()
	if len(f.sent) == 0 {
		t.Fatalf("nothing published")
	}
	return f.sent[len(f.sent)-1]
}

func newFixture() (*fakeEntries, *fakeResults, *fakePublisher) {
	entries := &fakeEntries{entry: domain.Entry{ID: 7, PublicID: "e-1", Status: domain.StatusReceived}}
	results := &fakeResults{
		tasks: []domain.Task{
			{Name: "prepare", Status: domain.StatusSuccess},
			{Name: "gtfs.canonical", Status: domain.StatusWarnings},
		},
		counts: map[domain.Severity]int{domain.SeverityWarning: 1},
	}
	return entries, results, &fakePublisher{fail: map[string]error{}}
}

func message(previous domain.Stage) domain.JobMessage {
	return domain.JobMessage{
		Entry:    domain.Entry{PublicID: "e-1"},
		Previous: previous.Marker(),
		Retry:    domain.NewRetryStatistics(5),
	}
}

func TestRoutingTable(t *testing.T) {
	tests := []struct {
		previous     domain.Stage
		destination  string
		nextPrevious string
		calls        []string
	}{
		{domain.StageStart, domain.DestinationValidation, "validation", []string{"start"}},
		{domain.StageValidation, domain.DestinationConversion, "conversion", []string{"update"}},
		{domain.StageConversion, domain.DestinationJobs, "jobs", []string{"update"}},
	}

	for _, tt := range tests {
		t.Run(tt.previous.String(), func(t *testing.T) {
			entries, results, pub := newFixture()
			d := pipeline.NewDelegator(entries, results, pub, pipeline.Options{})

			outcome, err := d.Handle(context.Background(), message(tt.previous))
			if err != nil {
				t.Fatalf("handle: %v", err)
			}
			if outcome != pipeline.OutcomeRouted {
				t.Fatalf("outcome = %s", outcome)
			}

			sent := pub.last(t)
			if sent.destination != tt.destination {
				t.Fatalf("destination = %s, want %s", sent.destination, tt.destination)
			}
			if sent.msg.Previous == nil || *sent.msg.Previous != tt.nextPrevious {
				t.Fatalf("previous = %v, want %s", sent.msg.Previous, tt.nextPrevious)
			}
			if sent.msg.Retry.TryNumber != 1 {
				t.Fatalf("try number = %d", sent.msg.Retry.TryNumber)
			}
			if len(entries.calls) != len(tt.calls) || entries.calls[0] != tt.calls[0] {
				t.Fatalf("bookkeeping calls = %v, want %v", entries.calls, tt.calls)
			}
		})
	}
}

func TestStartMarksProcessing(t *testing.T) {
	entries, results, pub := newFixture()
	d := pipeline.NewDelegator(entries, results, pub, pipeline.Options{})

	if _, err := d.Handle(context.Background(), message(domain.StageStart)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(entries.statuses) != 1 || entries.statuses[0] != domain.StatusProcessing {
		t.Fatalf("statuses = %v", entries.statuses)
	}
}

func TestTerminalHopAggregates(t *testing.T) {
	entries, results, pub := newFixture()
	d := pipeline.NewDelegator(entries, results, pub, pipeline.Options{})

	outcome, err := d.Handle(context.Background(), message(domain.StageJobs))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome != pipeline.OutcomeCompleted {
		t.Fatalf("outcome = %s", outcome)
	}
	if len(pub.sent) != 0 {
		t.Fatalf("terminal hop must not dispatch, sent %v", pub.sent)
	}
	if entries.calls[0] != "complete" || entries.entry.Status != domain.StatusWarnings {
		t.Fatalf("calls = %v, status = %s", entries.calls, entries.entry.Status)
	}
}

func TestReplayedSubmissionDoesNotRestart(t *testing.T) {
	entries, results, pub := newFixture()
	d := pipeline.NewDelegator(entries, results, pub, pipeline.Options{})
	ctx := context.Background()

	for range 2 {
		if _, err := d.Handle(ctx, message(domain.StageStart)); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}

	if len(entries.calls) != 2 || entries.calls[0] != "start" || entries.calls[1] != "update" {
		t.Fatalf("calls = %v, want [start update]", entries.calls)
	}
}

func TestUnknownStageDropped(t *testing.T) {
	entries, results, pub := newFixture()
	d := pipeline.NewDelegator(entries, results, pub, pipeline.Options{})

	bogus := "packaging"
	m := message(domain.StageStart)
	m.Previous = &bogus

	outcome, err := d.Handle(context.Background(), m)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome != pipeline.OutcomeDropped || len(entries.calls) != 0 || len(pub.sent) != 0 {
		t.Fatalf("outcome = %s, calls = %v, sent = %v", outcome, entries.calls, pub.sent)
	}
}

func TestFailingHopIsRetriedThenTerminated(t *testing.T) {
	entries, results, pub := newFixture()
	entries.failUpdate = errors.New("database is locked")
	d := pipeline.NewDelegator(entries, results, pub, pipeline.Options{MaxRetries: 5})
	ctx := context.Background()

	m := message(domain.StageValidation)
	requeues := 0
	for {
		outcome, err := d.Handle(ctx, m)
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		if outcome == pipeline.OutcomeTerminated {
			break
		}
		if outcome != pipeline.OutcomeRequeued {
			t.Fatalf("outcome = %s", outcome)
		}
		requeues++
		if requeues > 10 {
			t.Fatalf("retries not bounded")
		}

		sent := pub.last(t)
		if sent.destination != domain.DestinationJobs {
			t.Fatalf("requeue destination = %s", sent.destination)
		}
		if sent.msg.Previous == nil || *sent.msg.Previous != "validation" {
			t.Fatalf("requeue must keep previous, got %v", sent.msg.Previous)
		}
		if sent.msg.Retry.TryNumber != requeues+1 {
			t.Fatalf("try number = %d, want %d", sent.msg.Retry.TryNumber, requeues+1)
		}
		m = sent.msg
	}

	if requeues != 5 {
		t.Fatalf("requeues = %d, want 5", requeues)
	}
	if entries.entry.Completed == nil {
		t.Fatalf("entry not completed after exhausting retries")
	}
	if entries.entry.Status != domain.StatusWarnings {
		t.Fatalf("status = %s, want aggregated warnings", entries.entry.Status)
	}
	if len(results.cancelled) != 2 {
		t.Fatalf("cancelled stages = %v", results.cancelled)
	}
}

func TestExhaustedRetriesCanFail(t *testing.T) {
	entries, results, pub := newFixture()
	d := pipeline.NewDelegator(entries, results, pub, pipeline.Options{MaxRetries: 5, FailOnExhausted: true})

	m := message(domain.StageConversion)
	m.Retry.TryNumber = 6

	outcome, err := d.Handle(context.Background(), m)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome != pipeline.OutcomeTerminated {
		t.Fatalf("outcome = %s", outcome)
	}
	if entries.entry.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", entries.entry.Status)
	}
	if len(pub.sent) != 0 {
		t.Fatalf("terminated entry must not be dispatched")
	}
}

func TestRequeueFailureIsReported(t *testing.T) {
	entries, results, pub := newFixture()
	pub.fail[domain.DestinationConversion] = errors.New("no responders")
	pub.fail[domain.DestinationJobs] = errors.New("no responders")
	d := pipeline.NewDelegator(entries, results, pub, pipeline.Options{})

	outcome, err := d.Handle(context.Background(), message(domain.StageValidation))
	if err == nil {
		t.Fatalf("expected error when requeue fails")
	}
	if outcome != pipeline.OutcomeRequeued {
		t.Fatalf("outcome = %s", outcome)
	}
}
