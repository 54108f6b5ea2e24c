// Package pipeline implements the Pipeline Orchestrator (spec §4.6): the
// per-session stage machine, temp-file ownership, and the sequence of
// download, subtitle-normalization, mux, and upload-and-publish steps that
// turn a completed session into a published post.
//
// Each inbound event advances one principal's session and, on reaching
// Processing, spawns a dedicated goroutine for that session rather than
// feeding a shared work queue — the session store's own per-principal
// locking (adapted from internal/api.UploadProcessor's in-flight guard)
// is what keeps concurrent sessions from stepping on each other.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"bitriver-submerger/internal/chatadapter"
	"bitriver-submerger/internal/download"
	"bitriver-submerger/internal/mediatool"
	"bitriver-submerger/internal/models"
	"bitriver-submerger/internal/observability/metrics"
	"bitriver-submerger/internal/post"
	"bitriver-submerger/internal/progress"
	"bitriver-submerger/internal/sessionstore"
)

// Mode is the process-global ingestion-mode toggle from the §9 design note:
// in ModeAuto, the orchestrator tries to extract a subtitle stream from the
// video itself instead of waiting on an operator-supplied one.
type Mode string

const (
	ModeManual Mode = "manual"
	ModeAuto   Mode = "auto"
)

// Config configures an Orchestrator.
type Config struct {
	Sessions  *sessionstore.Store
	Chat      chatadapter.Client
	Progress  *progress.Reporter
	Download  *download.Adapter
	MediaTool *mediatool.Tool
	Post      *post.Builder

	BotUsername           string
	StorageChannelID      int64
	AnnouncementChannelID int64
	// HasAnnouncementChannel mirrors spec §9's open question: the public
	// surface and announcement publish step are both skippable when no
	// announcement channel is configured.
	HasAnnouncementChannel bool

	// WorkDir is the base directory for session temp files, per spec §6's
	// persisted-state layout.
	WorkDir string
	// DefaultFontPath and DefaultThumbnailPath are read-only configured
	// assets, per §9's resource-lifecycle note: never copied per session,
	// passed by path directly, and tolerated if missing.
	DefaultFontPath      string
	DefaultThumbnailPath string

	// MuxPermits bounds concurrent mux invocations. Defaults to 1 per
	// spec §4.6.
	MuxPermits int64
	// UploadTimeout bounds the Uploading stage. Defaults to 30 minutes.
	UploadTimeout time.Duration
	// KillGrace is stored on the Orchestrator but not passed to the media
	// tool; the SIGTERM-to-SIGKILL grace period of a subprocess is set by
	// mediatool.Config.KillGrace. Defaults to 5 seconds.
	KillGrace time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Orchestrator drives every session through the stage machine in spec §4.6.
type Orchestrator struct {
	sessions  *sessionstore.Store
	chat      chatadapter.Client
	progress  *progress.Reporter
	download  *download.Adapter
	mediaTool *mediatool.Tool
	post      *post.Builder

	botUsername            string
	storageChannelID       int64
	announcementChannelID  int64
	hasAnnouncementChannel bool

	workDir              string
	defaultFontPath      string
	defaultThumbnailPath string

	uploadTimeout time.Duration
	killGrace     time.Duration

	muxSem *semaphore.Weighted

	mode atomic.Value // Mode

	logger  *slog.Logger
	metrics *metrics.Recorder
}

// New constructs an Orchestrator and registers its cleanup hook with the
// session store's idle reaper.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	permits := cfg.MuxPermits
	if permits <= 0 {
		permits = 1
	}
	uploadTimeout := cfg.UploadTimeout
	if uploadTimeout <= 0 {
		uploadTimeout = 30 * time.Minute
	}
	killGrace := cfg.KillGrace
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}

	o := &Orchestrator{
		sessions:               cfg.Sessions,
		chat:                   cfg.Chat,
		progress:               cfg.Progress,
		download:               cfg.Download,
		mediaTool:              cfg.MediaTool,
		post:                   cfg.Post,
		botUsername:            cfg.BotUsername,
		storageChannelID:       cfg.StorageChannelID,
		announcementChannelID:  cfg.AnnouncementChannelID,
		hasAnnouncementChannel: cfg.HasAnnouncementChannel,
		workDir:                workDir,
		defaultFontPath:        cfg.DefaultFontPath,
		defaultThumbnailPath:   cfg.DefaultThumbnailPath,
		uploadTimeout:          uploadTimeout,
		killGrace:              killGrace,
		muxSem:                 semaphore.NewWeighted(permits),
		logger:                 logger,
		metrics:                recorder,
	}
	o.mode.Store(ModeManual)
	if o.sessions != nil {
		o.sessions.SetCleanupHook(o.cleanupSession)
	}
	return o
}

// Mode reports the current process-global ingestion mode.
func (o *Orchestrator) Mode() Mode {
	return o.mode.Load().(Mode)
}

// ToggleMode flips Auto/Manual and returns the new mode, for the `/mode`
// command per spec §6.
func (o *Orchestrator) ToggleMode() Mode {
	next := ModeAuto
	if o.Mode() == ModeAuto {
		next = ModeManual
	}
	o.mode.Store(next)
	return next
}

// cleanupSession removes every temp file a session owns. Safe to call more
// than once; missing files are not an error, satisfying the §8 idempotent-
// cleanup law.
func (o *Orchestrator) cleanupSession(_ context.Context, session *models.Session) {
	for _, path := range session.TempFiles {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			o.logger.Warn("pipeline: temp file cleanup failed", "path", path, "error", err)
		}
	}
	o.metrics.SessionEnded()
}

// tempPath builds a session-scoped temp file path under workDir, named with
// the principal's id to avoid collisions across concurrent sessions, per
// spec §6.
func (o *Orchestrator) tempPath(principal models.Principal, name string) string {
	ext := filepath.Ext(name)
	return filepath.Join(o.workDir, fmt.Sprintf("%s_%d%s", strings.TrimSuffix(name, ext), principal, ext))
}

// scratchPath builds a temp path for an intermediate artifact that has no
// fixed name in spec §6 (the stripped-subtitle intermediate container, an
// auto-extracted subtitle stream), disambiguated with a random suffix since
// more than one may exist briefly during a single session.
func (o *Orchestrator) scratchPath(principal models.Principal, prefix, ext string) string {
	return filepath.Join(o.workDir, fmt.Sprintf("%s_%d_%s%s", prefix, principal, uuid.NewString(), ext))
}

// addTempFile records path as owned by session, so it is removed on every
// terminal transition.
func addTempFile(session *models.Session, path string) {
	if path == "" {
		return
	}
	session.TempFiles = append(session.TempFiles, path)
}

// privateSurface and publicSurface build progress.Surface values from a
// session's status-surface handles.
func privateSurface(session *models.Session) progress.Surface {
	msgID, _ := strconv.ParseInt(session.Surfaces.PrivateMsgID, 10, 64)
	chatID, _ := strconv.ParseInt(session.Surfaces.PrivateChatID, 10, 64)
	return progress.Surface{Chat: chatadapter.Chat{ID: chatID}, MessageID: msgID}
}

func publicSurface(session *models.Session) progress.Surface {
	if !session.Surfaces.HasPublic {
		return progress.Surface{}
	}
	msgID, _ := strconv.ParseInt(session.Surfaces.PublicMsgID, 10, 64)
	chatID, _ := strconv.ParseInt(session.Surfaces.PublicChatID, 10, 64)
	return progress.Surface{Chat: chatadapter.Chat{ID: chatID}, MessageID: msgID}
}

// HandleVideo advances a session from AwaitingVideo, per spec §4.6's first
// transition. In ModeAuto it additionally attempts to extract a subtitle
// stream from the video itself, per the §9 design note, skipping
// AwaitingSubtitle entirely when extraction succeeds.
func (o *Orchestrator) HandleVideo(ctx context.Context, principal models.Principal, ref models.FileRef) error {
	var autoSubtitle string
	var failErr error

	err := o.sessions.Mutate(principal, time.Now(), func(session *models.Session) error {
		if session.Stage != models.StageAwaitingVideo {
			return fmt.Errorf("pipeline: stage violation: video not expected in %s", session.Stage)
		}
		session.VideoRef = ref
		return nil
	})
	if err != nil {
		return err
	}

	if o.Mode() == ModeAuto {
		autoSubtitle, failErr = o.tryAutoExtractSubtitle(ctx, principal)
	}

	return o.sessions.Mutate(principal, time.Now(), func(session *models.Session) error {
		if failErr != nil {
			session.Stage = models.StageFailed
			return failErr
		}
		if autoSubtitle != "" {
			session.SubtitleRef = models.FileRef{Path: autoSubtitle}
			addTempFile(session, autoSubtitle)
			// Auto-mode skips the explicit subtitle-upload stage because the
			// subtitle was already extracted from the video; this is a
			// sanctioned exception to the normal transition table, not a
			// stage violation.
			session.Stage = models.StageAwaitingName
			return nil
		}
		session.Stage = models.StageAwaitingSubtitle
		return nil
	})
}

// tryAutoExtractSubtitle downloads the video locally if needed and attempts
// to extract its first subtitle stream, converting it to canonical format.
// Returns an empty path and nil error when no session exists; returns an
// error when the video cannot be fetched (including a video ref with no
// source message id) or when extraction fails, which fails the session per
// the §9 design note ("if none is found, the session fails").
func (o *Orchestrator) tryAutoExtractSubtitle(ctx context.Context, principal models.Principal) (string, error) {
	session, ok := o.sessions.Get(principal)
	if !ok {
		return "", nil
	}
	localPath, err := o.ensureLocalVideo(ctx, principal, session)
	if err != nil {
		return "", fmt.Errorf("pipeline: auto subtitle: fetching video: %w", err)
	}

	extracted := o.scratchPath(principal, "autosub", ".ass")
	args := mediatool.SubtitleExtractArgs(localPath, extracted)
	if _, err := o.mediaTool.Run(ctx, mediatool.OpSubtitleExtract, args); err != nil {
		return "", fmt.Errorf("pipeline: no subtitle stream found: %w", err)
	}
	return extracted, nil
}

// ensureLocalVideo resolves session.VideoRef to a local path, downloading it
// through the chat adapter if it currently only names an inbound message.
func (o *Orchestrator) ensureLocalVideo(ctx context.Context, principal models.Principal, session *models.Session) (string, error) {
	if session.VideoRef.Local() {
		return session.VideoRef.Path, nil
	}
	dest := o.tempPath(principal, "vid.tmp")
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("pipeline: create temp video file: %w", err)
	}
	defer f.Close()

	tracker := o.progress.Attach(progress.ActionDownload, privateSurface(session), publicSurface(session))
	messageID, err := strconv.ParseInt(session.VideoRef.SourceMessageID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("pipeline: malformed source message id %q: %w", session.VideoRef.SourceMessageID, err)
	}
	err = o.chat.DownloadMedia(ctx, messageID, f, func(current, total int64) {
		o.progress.Report(ctx, tracker, current, total, "Downloading")
	})
	if err != nil {
		return "", fmt.Errorf("pipeline: download video: %w", err)
	}

	_ = o.sessions.Mutate(principal, time.Now(), func(s *models.Session) error {
		s.VideoRef.Path = dest
		addTempFile(s, dest)
		return nil
	})
	return dest, nil
}

// HandleSubtitle advances a session from AwaitingSubtitle, per spec §4.6.
func (o *Orchestrator) HandleSubtitle(principal models.Principal, ref models.FileRef) error {
	return o.sessions.Mutate(principal, time.Now(), func(session *models.Session) error {
		if session.Stage != models.StageAwaitingSubtitle {
			return fmt.Errorf("pipeline: stage violation: subtitle not expected in %s", session.Stage)
		}
		session.SubtitleRef = ref
		session.Stage = models.StageAwaitingName
		return nil
	})
}

// ExtractSubtitleFromVideo lets the operator skip uploading a subtitle file
// by tapping the router's "extract" callback action instead: it runs the
// same stream-extraction attempt as §9's Auto mode, but on explicit request
// from AwaitingSubtitle regardless of the process-global mode toggle.
func (o *Orchestrator) ExtractSubtitleFromVideo(ctx context.Context, principal models.Principal) error {
	session, ok := o.sessions.Get(principal)
	if !ok {
		return fmt.Errorf("pipeline: no active session for principal %d", principal)
	}
	if session.Stage != models.StageAwaitingSubtitle {
		return fmt.Errorf("pipeline: stage violation: extract not expected in %s", session.Stage)
	}
	extracted, err := o.tryAutoExtractSubtitle(ctx, principal)
	if err != nil {
		return fmt.Errorf("pipeline: extract subtitle: %w", err)
	}
	return o.sessions.Mutate(principal, time.Now(), func(s *models.Session) error {
		s.SubtitleRef = models.FileRef{Path: extracted}
		addTempFile(s, extracted)
		s.Stage = models.StageAwaitingName
		return nil
	})
}

// HandleName advances a session from AwaitingName with the operator-chosen
// output base name, per spec §4.6 and §3 (caption defaults to output_name).
func (o *Orchestrator) HandleName(principal models.Principal, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("pipeline: output name must not be empty")
	}
	return o.sessions.Mutate(principal, time.Now(), func(session *models.Session) error {
		if session.Stage != models.StageAwaitingName {
			return fmt.Errorf("pipeline: stage violation: name not expected in %s", session.Stage)
		}
		session.OutputName = name
		session.Caption = name
		session.Stage = models.StageAwaitingThumbnail
		return nil
	})
}

// HandleThumbnail advances a session from AwaitingThumbnail into Processing
// and kicks off the asynchronous processing pipeline, per spec §4.6.
func (o *Orchestrator) HandleThumbnail(ctx context.Context, principal models.Principal, ref models.FileRef) error {
	err := o.sessions.Mutate(principal, time.Now(), func(session *models.Session) error {
		if session.Stage != models.StageAwaitingThumbnail {
			return fmt.Errorf("pipeline: stage violation: thumbnail not expected in %s", session.Stage)
		}
		session.ThumbnailRef = ref
		session.Stage = models.StageProcessing
		return nil
	})
	if err != nil {
		return err
	}
	o.metrics.SessionStarted()
	go o.runProcessing(ctx, principal)
	return nil
}

// CaptureStillFromVideo lets the operator skip uploading a thumbnail photo
// by tapping the router's "screenshot" callback action instead: it seeks
// the source video to the configured still-extraction timecode (§4.5 item
// 3) and uses the captured frame as the session's thumbnail before
// advancing into Processing exactly as HandleThumbnail does.
func (o *Orchestrator) CaptureStillFromVideo(ctx context.Context, principal models.Principal) error {
	session, ok := o.sessions.Get(principal)
	if !ok {
		return fmt.Errorf("pipeline: no active session for principal %d", principal)
	}
	if session.Stage != models.StageAwaitingThumbnail {
		return fmt.Errorf("pipeline: stage violation: screenshot not expected in %s", session.Stage)
	}
	videoPath, err := o.ensureLocalVideo(ctx, principal, session)
	if err != nil {
		return fmt.Errorf("pipeline: screenshot: fetching video: %w", err)
	}
	shotPath := o.tempPath(principal, "shot.png")
	if _, err := o.runMediaTool(ctx, mediatool.OpStillExtract, mediatool.StillExtractArgs(videoPath, mediatool.StillExtractTimecode, shotPath)); err != nil {
		return fmt.Errorf("pipeline: screenshot: %w", err)
	}
	o.addSessionTempFile(principal, shotPath)
	return o.HandleThumbnail(ctx, principal, models.FileRef{Path: shotPath})
}

// SetMetadata records a URL-ingest metadata field, per spec §4.2's
// metadata-gathering substate machine.
func (o *Orchestrator) SetMetadata(principal models.Principal, key models.MetadataKey, value string) error {
	return o.sessions.Mutate(principal, time.Now(), func(session *models.Session) error {
		if session.Stage != models.StageAwaitingMetadata {
			return fmt.Errorf("pipeline: stage violation: metadata not expected in %s", session.Stage)
		}
		session.Metadata[key] = value
		return nil
	})
}

// ErrMissingMandatory is returned by HandleCreatePost when required metadata
// fields have not been supplied yet.
type ErrMissingMandatory struct {
	Fields []models.MetadataKey
}

func (e ErrMissingMandatory) Error() string {
	return fmt.Sprintf("pipeline: missing mandatory metadata: %v", e.Fields)
}

// HandleCreatePost transitions a URL-ingest session directly into Processing
// once all mandatory metadata is present, per spec §4.6's URL-ingest
// variant ("on create_post the orchestrator transitions directly into a
// download step").
func (o *Orchestrator) HandleCreatePost(ctx context.Context, principal models.Principal) error {
	err := o.sessions.Mutate(principal, time.Now(), func(session *models.Session) error {
		if session.Stage != models.StageAwaitingMetadata {
			return fmt.Errorf("pipeline: stage violation: create_post not expected in %s", session.Stage)
		}
		if missing := session.MissingMandatory(); len(missing) > 0 {
			return ErrMissingMandatory{Fields: missing}
		}
		if session.OutputName == "" {
			session.OutputName = session.Metadata[models.MetaTitle]
			session.Caption = session.OutputName
		}
		session.Stage = models.StageProcessing
		return nil
	})
	if err != nil {
		return err
	}
	o.metrics.SessionStarted()
	go o.runProcessing(ctx, principal)
	return nil
}

// HandleCancel invokes the shared termination path from spec §4.6: signal
// in-flight work to stop, release temp files, tear down status surfaces,
// and remove the session record. Safe to call on an already-terminal or
// absent session, per §8's idempotent-cleanup law.
func (o *Orchestrator) HandleCancel(ctx context.Context, principal models.Principal) error {
	session, ok := o.sessions.Get(principal)
	if !ok {
		return nil
	}
	tracker := o.progress.Attach(progress.ActionProcessing, privateSurface(session), publicSurface(session))
	return o.sessions.Terminate(ctx, principal, func(cleanupCtx context.Context, s *models.Session) {
		o.progress.Detach(cleanupCtx, tracker, "❌ Cancelled.", s.Surfaces.HasPublic)
		o.cleanupSession(cleanupCtx, s)
	})
}
