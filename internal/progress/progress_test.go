package progress

import (
	"context"
	"testing"
	"time"

	"bitriver-submerger/internal/chatadapter"
)

type recordingClient struct {
	chatadapter.NoopClient
	edits   []string
	deletes int
}

func (c *recordingClient) EditMessageText(_ context.Context, _ chatadapter.Chat, _ int64, text string, _ *chatadapter.Markup) error {
	c.edits = append(c.edits, text)
	return nil
}

func (c *recordingClient) DeleteMessage(context.Context, chatadapter.Chat, int64) error {
	c.deletes++
	return nil
}

func newTestTracker(start time.Time) *Tracker {
	t := &Tracker{
		action:    ActionDownload,
		private:   Surface{Chat: chatadapter.Chat{ID: 1}, MessageID: 10},
		startTime: start,
		limiter:   newLimiter(),
	}
	t.now = func() time.Time { return start }
	return t
}

// TestRateLimitedProgress drives S4: samples at t=0..6s yield exactly one
// edit; t=7s yields a second, unless its content matches the first exactly.
func TestRateLimitedProgress(t *testing.T) {
	client := &recordingClient{}
	reporter := New(Config{Client: client})
	base := time.Unix(0, 0)
	tracker := newTestTracker(base)

	for i := 0; i <= 6; i++ {
		now := base.Add(time.Duration(i) * time.Second)
		tracker.now = func() time.Time { return now }
		reporter.Report(context.Background(), tracker, int64(i)*mebibyte, 100*mebibyte, "test")
	}
	if len(client.edits) != 1 {
		t.Fatalf("edits after t=0..6 = %d, want 1", len(client.edits))
	}

	seventh := base.Add(7 * time.Second)
	tracker.now = func() time.Time { return seventh }
	reporter.Report(context.Background(), tracker, 7*mebibyte, 100*mebibyte, "test")
	if len(client.edits) != 2 {
		t.Fatalf("edits after t=7 = %d, want 2", len(client.edits))
	}
}

func TestRateLimitedProgressSuppressesIdenticalContent(t *testing.T) {
	client := &recordingClient{}
	reporter := New(Config{Client: client})
	base := time.Unix(0, 0)
	tracker := newTestTracker(base)

	// Same current/total/label at t=0 and t=7 renders identical text once
	// the instantaneous-speed component has settled to the same value: use
	// total<=0 (indeterminate) path, which has no speed/ETA fields to drift.
	tracker.now = func() time.Time { return base }
	reporter.Report(context.Background(), tracker, 5*mebibyte, 0, "probing")
	if len(client.edits) != 1 {
		t.Fatalf("edits at t=0 = %d, want 1", len(client.edits))
	}

	seventh := base.Add(7 * time.Second)
	tracker.now = func() time.Time { return seventh }
	// The indeterminate line still shows elapsed time since startTime;
	// moving startTime to t=7 keeps that field at 0s so the text matches.
	tracker.startTime = seventh
	reporter.Report(context.Background(), tracker, 5*mebibyte, 0, "probing")
	if len(client.edits) != 1 {
		t.Fatalf("edits after identical t=7 sample = %d, want still 1 (diff suppressed)", len(client.edits))
	}
}

func TestRenderBarBoundaries(t *testing.T) {
	if got := renderBar(0); got != empty+empty+empty+empty+empty+empty+empty+empty+empty+empty {
		t.Errorf("renderBar(0) = %q", got)
	}
	if got := renderBar(1); got != filled+filled+filled+filled+filled+filled+filled+filled+filled+filled {
		t.Errorf("renderBar(1) = %q", got)
	}
}

func TestDetachDeletesPublicSurface(t *testing.T) {
	client := &recordingClient{}
	reporter := New(Config{Client: client})
	tracker := reporter.Attach(ActionUpload,
		Surface{Chat: chatadapter.Chat{ID: 1}, MessageID: 10},
		Surface{Chat: chatadapter.Chat{ID: 2}, MessageID: 20})

	reporter.Detach(context.Background(), tracker, "✅ Done", true)

	if len(client.edits) != 1 {
		t.Fatalf("expected exactly one final edit, got %d", len(client.edits))
	}
	if client.deletes != 1 {
		t.Fatalf("expected public surface deleted once, got %d", client.deletes)
	}
}

func TestIndeterminateProgressNoDivideByZero(t *testing.T) {
	reporter := New(Config{Client: &recordingClient{}})
	tracker := newTestTracker(time.Unix(0, 0))
	// total == 0 must not panic or produce NaN/Inf in the rendered text.
	text := tracker.render(time.Unix(0, 0), 123, 0, "probing")
	if text == "" {
		t.Fatal("expected non-empty rendered text for indeterminate progress")
	}
}
