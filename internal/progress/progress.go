// Package progress implements the rate-limited, dual-surface status
// reporter described in spec §4.3: a fixed-width progress bar rendered to a
// private chat message and, optionally, a public channel message, with a
// 7-second flood-control gate and diff suppression.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bitriver-submerger/internal/chatadapter"
	"bitriver-submerger/internal/observability/metrics"
)

// Surface pairs a chat destination with the message being edited.
type Surface struct {
	Chat      chatadapter.Chat
	MessageID int64
}

func (s Surface) valid() bool { return s.MessageID != 0 }

// Action identifies the operation a tracker is reporting on, selecting the
// leading emoji per spec §4.3.
type Action string

const (
	ActionDownload   Action = "download"
	ActionUpload     Action = "upload"
	ActionProcessing Action = "processing"
)

func (a Action) emoji() string {
	switch a {
	case ActionDownload:
		return "⬇️" // ⬇️
	case ActionUpload:
		return "⬆️" // ⬆️
	case ActionProcessing:
		return "⚙️" // ⚙️
	default:
		return "◷" // ◷
	}
}

const (
	barCells  = 10
	filled    = "■" // ■
	empty     = "□" // □
	mebibyte  = 1024 * 1024
	rateLimit = 7 * time.Second
)

// Tracker is a message-scoped progress record, per §3's Progress Tracker:
// its lifetime matches one session stage. It is not safe for unsynchronized
// concurrent use by design — the Orchestrator owns exactly one tracker per
// in-flight stage and feeds it samples serially.
type Tracker struct {
	action Action

	private Surface
	public  Surface

	startTime time.Time

	// now is the clock used to timestamp edits; overridden by tests,
	// defaults to time.Now.
	now func() time.Time

	// limiter enforces the 7-second-per-tracker flood gate. Burst is 1: a
	// tracker may always issue its first edit, then must wait out rateLimit
	// before the next one is allowed. AllowN takes an explicit now so tests
	// can drive it with a virtual clock instead of wall time.
	limiter *rate.Limiter

	mu               sync.Mutex
	lastRenderedText string
	lastCurrent      int64
	lastSampleTime   time.Time
}

func newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(rateLimit), 1)
}

// Reporter edits the chat surfaces a Tracker is bound to, enforcing the
// 7-second-per-tracker flood gate and text-diff suppression from §4.3.
type Reporter struct {
	client  chatadapter.Client
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// Config configures a Reporter.
type Config struct {
	Client  chatadapter.Client
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// New constructs a Reporter around the given chat adapter client.
func New(cfg Config) *Reporter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Reporter{
		client:  cfg.Client,
		logger:  logger,
		metrics: recorder,
	}
}

// Attach binds a new Tracker to one or both surfaces. A zero-value Surface
// (MessageID == 0) is treated as absent, letting callers omit the public
// surface when MAIN_CHANNEL is unset per spec §9.
func (r *Reporter) Attach(action Action, private, public Surface) *Tracker {
	return &Tracker{
		action:    action,
		private:   private,
		public:    public,
		startTime: time.Now(),
		now:       time.Now,
		limiter:   newLimiter(),
	}
}

// Report renders a progress sample and edits both bound surfaces, subject to
// the flood gate and diff suppression. It is safe to call frequently; most
// calls are no-ops.
func (r *Reporter) Report(ctx context.Context, t *Tracker, current, total int64, label string) {
	if t == nil {
		return
	}
	now := t.now()
	text := t.render(now, current, total, label)
	r.emit(ctx, t, now, text)
}

// Status pushes a free-form status line, bypassing the time-based gate but
// still subject to diff suppression (a no-op if text is unchanged from the
// last rendered line).
func (r *Reporter) Status(ctx context.Context, t *Tracker, text string) {
	if t == nil {
		return
	}
	r.editIfChanged(ctx, t, text)
}

// Detach renders a final line (or none, if finalText is empty) and,
// if instructed, deletes the public surface to keep the announcement
// channel free of stale progress bars, per §4.3's dual-surface semantics.
func (r *Reporter) Detach(ctx context.Context, t *Tracker, finalText string, deletePublic bool) {
	if t == nil {
		return
	}
	if finalText != "" {
		r.forceEdit(ctx, t, finalText)
	}
	if deletePublic && t.public.valid() {
		if err := r.client.DeleteMessage(ctx, t.public.Chat, t.public.MessageID); err != nil {
			r.logger.Debug("progress: delete public surface failed", "error", err)
		}
	}
}

func (t *Tracker) render(now time.Time, current, total int64, label string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var speed float64
	if !t.lastSampleTime.IsZero() {
		elapsed := now.Sub(t.lastSampleTime).Seconds()
		if elapsed > 0 {
			speed = float64(current-t.lastCurrent) / mebibyte / elapsed
		}
	}
	t.lastCurrent = current
	t.lastSampleTime = now

	elapsedTotal := now.Sub(t.startTime)

	if total <= 0 {
		// Indeterminate: total unknown or reported as zero. Render a
		// spinner-style line without dividing by zero, per spec §8.
		return fmt.Sprintf("%s %s\n%s | %.1f MiB transferred | elapsed %s",
			t.action.emoji(), label, spinnerBar(), float64(current)/mebibyte, formatDuration(elapsedTotal))
	}

	fraction := float64(current) / float64(total)
	if fraction > 1 {
		fraction = 1
	}
	if fraction < 0 {
		fraction = 0
	}
	percent := fraction * 100

	var eta time.Duration
	if speed > 0 {
		remainingMiB := float64(total-current) / mebibyte
		eta = time.Duration(remainingMiB/speed*1000) * time.Millisecond
	}

	return fmt.Sprintf("%s %s\n%s %.1f%% | %.1f/%.1f MiB | %.1f MiB/s | ETA %ds | elapsed %s",
		t.action.emoji(), label, renderBar(fraction), percent,
		float64(current)/mebibyte, float64(total)/mebibyte, speed,
		int(eta.Round(time.Second).Seconds()), formatDuration(elapsedTotal))
}

func renderBar(fraction float64) string {
	filledCells := int(fraction*barCells + 0.5)
	if filledCells > barCells {
		filledCells = barCells
	}
	var b strings.Builder
	for i := 0; i < barCells; i++ {
		if i < filledCells {
			b.WriteString(filled)
		} else {
			b.WriteString(empty)
		}
	}
	return b.String()
}

func spinnerBar() string {
	return strings.Repeat(empty, barCells)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	return d.String()
}

// emit applies the flood gate, then the diff suppression, before issuing an
// edit to both surfaces.
func (r *Reporter) emit(ctx context.Context, t *Tracker, now time.Time, text string) {
	if !t.limiter.AllowN(now, 1) {
		r.metrics.ObserveProgressEdit("rate_limited")
		return
	}

	t.mu.Lock()
	if text == t.lastRenderedText {
		t.mu.Unlock()
		r.metrics.ObserveProgressEdit("diff_suppressed")
		return
	}
	t.lastRenderedText = text
	t.mu.Unlock()

	r.issueEdit(ctx, t, text)
	r.metrics.ObserveProgressEdit("issued")
}

// editIfChanged bypasses the time gate but still suppresses an edit whose
// text is unchanged from the last rendered text, per Status's contract.
func (r *Reporter) editIfChanged(ctx context.Context, t *Tracker, text string) {
	t.mu.Lock()
	if text == t.lastRenderedText {
		t.mu.Unlock()
		r.metrics.ObserveProgressEdit("diff_suppressed")
		return
	}
	t.lastRenderedText = text
	t.mu.Unlock()

	r.issueEdit(ctx, t, text)
	r.metrics.ObserveProgressEdit("issued")
}

// forceEdit always issues the edit, used for the final line at Detach so a
// terminal status is never suppressed by a stale diff match.
func (r *Reporter) forceEdit(ctx context.Context, t *Tracker, text string) {
	t.mu.Lock()
	t.lastRenderedText = text
	t.mu.Unlock()
	r.issueEdit(ctx, t, text)
}

func (r *Reporter) issueEdit(ctx context.Context, t *Tracker, text string) {
	if t.private.valid() {
		if err := r.client.EditMessageText(ctx, t.private.Chat, t.private.MessageID, text, nil); err != nil && !chatadapter.IsNotModified(err) {
			r.logger.Info("progress: private surface edit failed", "error", err)
		}
	}
	if t.public.valid() {
		if err := r.client.EditMessageText(ctx, t.public.Chat, t.public.MessageID, text, nil); err != nil && !chatadapter.IsNotModified(err) {
			r.logger.Info("progress: public surface edit failed", "error", err)
		}
	}
}
