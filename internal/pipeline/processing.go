package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bitriver-submerger/internal/chatadapter"
	"bitriver-submerger/internal/mediatool"
	"bitriver-submerger/internal/models"
	"bitriver-submerger/internal/post"
	"bitriver-submerger/internal/progress"
	"bitriver-submerger/internal/sharetoken"
	"bitriver-submerger/internal/subtitle"
)

// runProcessing drives the Processing and Uploading stages for one session,
// per spec §4.6. It owns the session's cancellation context for the
// duration of both stages.
func (o *Orchestrator) runProcessing(parent context.Context, principal models.Principal) {
	session, ok := o.sessions.Get(principal)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// Routed through Mutate rather than writing session.cancel directly: the
	// session's cancel func is read by Terminate (on a concurrent /cleanup or
	// idle reap) under the same per-entry lock, so every write to it must go
	// through that lock too.
	if err := o.sessions.Mutate(principal, time.Now(), func(s *models.Session) error {
		s.SetCancel(cancel)
		return nil
	}); err != nil {
		return
	}

	muxedPath, err := o.processStage(ctx, principal, session)
	if err != nil {
		o.failSession(ctx, principal, err)
		return
	}

	if err := o.uploadStage(ctx, principal, muxedPath); err != nil {
		o.failSession(ctx, principal, err)
		return
	}
}

// processStage runs Processing's four sub-steps from spec §4.6 and returns
// the path to the muxed output container.
func (o *Orchestrator) processStage(ctx context.Context, principal models.Principal, session *models.Session) (string, error) {
	videoPath, err := o.resolveVideoSource(ctx, principal, session)
	if err != nil {
		return "", err
	}

	strippedPath := o.scratchPath(principal, "stripped", filepath.Ext(videoPath))
	o.addSessionTempFile(principal, strippedPath)
	if _, err := o.runMediaTool(ctx, mediatool.OpStripSubtitles, mediatool.StripSubtitlesArgs(videoPath, strippedPath)); err != nil {
		return "", fmt.Errorf("pipeline: strip subtitles: %w", err)
	}

	subtitlePath, err := o.normalizeSubtitle(ctx, principal, session)
	if err != nil {
		return "", err
	}

	outPath := o.tempPath(principal, "out.mkv")
	o.addSessionTempFile(principal, outPath)

	fontPath := session.FontRef.Path
	if fontPath == "" {
		fontPath = o.defaultFontPath
	}
	if fontPath != "" {
		if _, statErr := os.Stat(fontPath); statErr != nil {
			o.logger.Info("pipeline: configured font missing, muxing without attachment", "path", fontPath)
			fontPath = ""
		}
	}

	waitStart := time.Now()
	if err := o.muxSem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("pipeline: acquire mux permit: %w", err)
	}
	o.metrics.ObserveMuxWait(time.Since(waitStart))
	defer o.muxSem.Release(1)

	tracker := o.progress.Attach(progress.ActionProcessing, privateSurface(session), publicSurface(session))
	o.progress.Status(ctx, tracker, "⚙️ Muxing...")

	args := mediatool.MuxArgs(strippedPath, subtitlePath, fontPath, outPath)
	if _, err := o.runMediaTool(ctx, mediatool.OpMux, args); err != nil {
		return "", fmt.Errorf("pipeline: mux: %w", err)
	}
	return outPath, nil
}

// runMediaTool wraps Tool.Run, translating its ErrTimeout into the §7
// Timeout classification.
func (o *Orchestrator) runMediaTool(ctx context.Context, operation string, args []string) (mediatool.Result, error) {
	result, err := o.mediaTool.Run(ctx, operation, args)
	if err == mediatool.ErrTimeout {
		return result, fmt.Errorf("pipeline: %s: %w", operation, ErrTimeout)
	}
	return result, err
}

// ErrTimeout classifies a stage-deadline failure per spec §7.
var ErrTimeout = fmt.Errorf("pipeline: stage deadline exceeded")

// resolveVideoSource downloads the video if it is still only an inbound
// message reference, or enqueues and polls the external download daemon for
// the URL-ingest path, per Processing sub-step 1.
func (o *Orchestrator) resolveVideoSource(ctx context.Context, principal models.Principal, session *models.Session) (string, error) {
	if session.Kind == models.IngestURL {
		return o.downloadViaAdapter(ctx, principal, session)
	}
	return o.ensureLocalVideo(ctx, principal, session)
}

// downloadViaAdapter drives the Download Adapter for the URL-ingest path,
// feeding progress samples to the Progress Reporter until the fetch
// completes, per spec §4.4.
func (o *Orchestrator) downloadViaAdapter(ctx context.Context, principal models.Principal, session *models.Session) (string, error) {
	url := session.Metadata[models.MetaDDLURL]
	if url == "" {
		return "", fmt.Errorf("pipeline: %w", ErrValidation("ddl_url"))
	}

	tracker := o.progress.Attach(progress.ActionDownload, privateSurface(session), publicSurface(session))
	samples, done := o.download.Fetch(ctx, url)

	for sample := range samples {
		o.progress.Report(ctx, tracker, sample.CompletedBytes, sample.TotalBytes, "Downloading")
	}
	result := <-done
	if result.Err != nil {
		return "", fmt.Errorf("pipeline: download: %w", result.Err)
	}
	if result.Path == "" {
		return "", fmt.Errorf("pipeline: download: daemon reported no output path")
	}
	o.addSessionTempFile(principal, result.Path)
	return result.Path, nil
}

// ErrValidation classifies a missing-or-malformed-field failure, per the
// §7 ValidationFailure taxonomy entry.
type ErrValidation string

func (e ErrValidation) Error() string { return fmt.Sprintf("validation failure: missing %s", string(e)) }

// normalizeSubtitle converts a foreign-format subtitle to canonical ASS if
// needed, then rewrites its Style and Dialogue records, per Processing
// sub-step 3.
func (o *Orchestrator) normalizeSubtitle(ctx context.Context, principal models.Principal, session *models.Session) (string, error) {
	src := session.SubtitleRef.Path
	if src == "" {
		return "", fmt.Errorf("pipeline: no subtitle reference set")
	}

	canonicalPath := src
	if subtitle.ForeignFormat(filepath.Ext(src)) {
		canonicalPath = o.tempPath(principal, "sub"+subtitle.ExtCanonical)
		o.addSessionTempFile(principal, canonicalPath)
		if _, err := o.runMediaTool(ctx, mediatool.OpSubtitleConvert, mediatool.ConvertSubtitleArgs(src, canonicalPath)); err != nil {
			return "", fmt.Errorf("pipeline: convert subtitle: %w", err)
		}
	}

	if err := subtitle.Normalize(canonicalPath, subtitle.DefaultStyle); err != nil {
		return "", fmt.Errorf("pipeline: normalize subtitle: %w", err)
	}
	return canonicalPath, nil
}

func (o *Orchestrator) addSessionTempFile(principal models.Principal, path string) {
	_ = o.sessions.Mutate(principal, time.Now(), func(session *models.Session) error {
		addTempFile(session, path)
		return nil
	})
}

// uploadStage runs the Uploading stage from spec §4.6: upload the muxed
// output, mint a share token, assemble and publish the announcement post,
// then transition to Done.
func (o *Orchestrator) uploadStage(ctx context.Context, principal models.Principal, muxedPath string) error {
	session, ok := o.sessions.Get(principal)
	if !ok {
		return fmt.Errorf("pipeline: session vanished before upload")
	}

	info, err := os.Stat(muxedPath)
	if err != nil {
		return fmt.Errorf("pipeline: stat muxed output: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("pipeline: %w", ErrZeroByteUpload)
	}

	if err := o.sessions.Mutate(principal, time.Now(), func(s *models.Session) error {
		s.Stage = models.StageUploading
		return nil
	}); err != nil {
		return err
	}

	tracker := o.progress.Attach(progress.ActionUpload, privateSurface(session), publicSurface(session))
	storageChat := chatadapter.Chat{ID: o.storageChannelID}
	thumbPath := session.ThumbnailRef.Path
	if thumbPath == "" {
		thumbPath = o.defaultThumbnailPath
	}
	uploadCtx, cancelUpload := context.WithTimeout(ctx, o.uploadTimeout)
	defer cancelUpload()
	// current is cumulative, so only the growth since the last callback is
	// added to the byte counter.
	var uploaded int64
	sent, err := o.chat.SendDocument(uploadCtx, storageChat, muxedPath, session.Caption, thumbPath, func(current, total int64) {
		o.progress.Report(ctx, tracker, current, total, "Uploading")
		if current > uploaded {
			o.metrics.AddUploadBytes(current - uploaded)
			uploaded = current
		}
	})
	if err != nil {
		return fmt.Errorf("pipeline: send to storage channel: %w", err)
	}

	token, err := sharetoken.Mint(sent.MessageID, o.storageChannelID)
	if err != nil {
		return fmt.Errorf("pipeline: mint share token: %w", err)
	}
	shareURL := sharetoken.URL(o.botUsername, token)

	result := o.post.Build(session.Metadata)
	markup := &chatadapter.Markup{Buttons: []chatadapter.Button{{Label: "Download / Watch", URL: shareURL}}}

	if o.hasAnnouncementChannel {
		o.publishAnnouncement(ctx, result, markup)
	}

	o.progress.Detach(ctx, tracker, "✅ Done.", session.Surfaces.HasPublic)
	return o.sessions.Terminate(ctx, principal, func(cleanupCtx context.Context, s *models.Session) {
		o.cleanupSession(cleanupCtx, s)
	})
}

// publishAnnouncement sends the assembled post to the announcement channel,
// per Uploading sub-step 3: attempt a photo send when a cover URL is
// configured, falling back to plain text on photo-send failure.
func (o *Orchestrator) publishAnnouncement(ctx context.Context, result post.Result, markup *chatadapter.Markup) {
	announceChat := chatadapter.Chat{ID: o.announcementChannelID}
	if isHTTPURL(result.CoverURL) {
		if _, err := o.chat.SendPhoto(ctx, announceChat, result.CoverURL, result.Body, markup); err == nil {
			return
		}
		o.logger.Info("pipeline: cover photo send failed, falling back to text")
	}
	if _, err := o.chat.SendMessage(ctx, announceChat, result.Body, markup); err != nil {
		o.logger.Warn("pipeline: announcement send failed", "error", err)
	}
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// ErrZeroByteUpload is refused before the chat adapter is invoked, per §8's
// boundary behavior for a zero-byte artifact.
var ErrZeroByteUpload = fmt.Errorf("pipeline: refusing to upload a zero-byte artifact")

// failSession renders the final failure line, tears down the public
// surface, and terminates the session, per §4.6's failure policy and §7's
// user-visible-failure-behavior requirement.
func (o *Orchestrator) failSession(ctx context.Context, principal models.Principal, cause error) {
	session, ok := o.sessions.Get(principal)
	if !ok {
		return
	}
	o.logger.Error("pipeline: session failed", "principal_id", principal, "error", cause)

	tracker := o.progress.Attach(progress.ActionProcessing, privateSurface(session), publicSurface(session))
	o.progress.Detach(ctx, tracker, finalFailureLine(cause), session.Surfaces.HasPublic)

	_ = o.sessions.Mutate(principal, time.Now(), func(s *models.Session) error {
		s.Stage = models.StageFailed
		return nil
	})
	_ = o.sessions.Terminate(ctx, principal, func(cleanupCtx context.Context, s *models.Session) {
		o.cleanupSession(cleanupCtx, s)
	})
}

func finalFailureLine(cause error) string {
	return fmt.Sprintf("❌ %s", cause.Error())
}
