package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"bitriver-submerger/internal/chatadapter"
	"bitriver-submerger/internal/download"
	"bitriver-submerger/internal/mediatool"
	"bitriver-submerger/internal/models"
	"bitriver-submerger/internal/post"
	"bitriver-submerger/internal/progress"
	"bitriver-submerger/internal/sessionstore"
)

func writeFakeTool(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fakes not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "fake-ffmpeg.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write fake tool: %v", err)
	}
	return path
}

func newTestOrchestrator(t *testing.T, toolBody string) (*Orchestrator, *sessionstore.Store) {
	t.Helper()
	store := sessionstore.New(sessionstore.Config{ReapInterval: time.Hour})
	t.Cleanup(store.Close)

	tool := mediatool.New(mediatool.Config{BinPath: writeFakeTool(t, toolBody)})
	reporter := progress.New(progress.Config{Client: chatadapter.NewNoopClient()})

	o := New(Config{
		Sessions:    store,
		Chat:        chatadapter.NewNoopClient(),
		Progress:    reporter,
		Download:    download.New(download.Config{}),
		MediaTool:   tool,
		Post:        post.New(false),
		BotUsername: "testbot",
		WorkDir:     t.TempDir(),
	})
	return o, store
}

func mustCreate(t *testing.T, store *sessionstore.Store, session *models.Session) {
	t.Helper()
	if err := store.Create(session); err != nil {
		t.Fatalf("create session: %v", err)
	}
}

func TestHandleVideoManualModeAwaitsSubtitle(t *testing.T) {
	o, store := newTestOrchestrator(t, "exit 0\n")
	session := models.NewSession(1, models.IngestUpload, time.Now())
	mustCreate(t, store, session)

	videoPath := filepath.Join(t.TempDir(), "in.mkv")
	if err := os.WriteFile(videoPath, []byte("data"), 0o644); err != nil {
		t.Fatalf("seed video file: %v", err)
	}

	err := o.HandleVideo(context.Background(), 1, models.FileRef{Path: videoPath})
	if err != nil {
		t.Fatalf("HandleVideo: %v", err)
	}

	got, _ := store.Get(1)
	if got.Stage != models.StageAwaitingSubtitle {
		t.Fatalf("stage = %s, want %s", got.Stage, models.StageAwaitingSubtitle)
	}
}

func TestHandleVideoWrongStageIsRejected(t *testing.T) {
	o, store := newTestOrchestrator(t, "exit 0\n")
	session := models.NewSession(1, models.IngestUpload, time.Now())
	session.Stage = models.StageAwaitingName
	mustCreate(t, store, session)

	err := o.HandleVideo(context.Background(), 1, models.FileRef{Path: "x.mkv"})
	if err == nil {
		t.Fatal("expected stage violation error")
	}
}

func TestHandleVideoAutoModeSkipsSubtitleStageOnSuccess(t *testing.T) {
	o, store := newTestOrchestrator(t, "exit 0\n")
	o.ToggleMode()
	if o.Mode() != ModeAuto {
		t.Fatalf("Mode() = %s, want %s", o.Mode(), ModeAuto)
	}

	session := models.NewSession(1, models.IngestUpload, time.Now())
	mustCreate(t, store, session)

	videoPath := filepath.Join(t.TempDir(), "in.mkv")
	if err := os.WriteFile(videoPath, []byte("data"), 0o644); err != nil {
		t.Fatalf("seed video file: %v", err)
	}

	if err := o.HandleVideo(context.Background(), 1, models.FileRef{Path: videoPath}); err != nil {
		t.Fatalf("HandleVideo: %v", err)
	}

	got, _ := store.Get(1)
	if got.Stage != models.StageAwaitingName {
		t.Fatalf("stage = %s, want %s (subtitle stage skipped)", got.Stage, models.StageAwaitingName)
	}
	if got.SubtitleRef.Path == "" {
		t.Fatal("expected auto-extracted subtitle path to be recorded")
	}
}

func TestHandleVideoAutoModeFailsSessionWhenNoSubtitleStream(t *testing.T) {
	o, store := newTestOrchestrator(t, "exit 1\n")
	o.ToggleMode()

	session := models.NewSession(1, models.IngestUpload, time.Now())
	mustCreate(t, store, session)

	videoPath := filepath.Join(t.TempDir(), "in.mkv")
	if err := os.WriteFile(videoPath, []byte("data"), 0o644); err != nil {
		t.Fatalf("seed video file: %v", err)
	}

	err := o.HandleVideo(context.Background(), 1, models.FileRef{Path: videoPath})
	if err == nil {
		t.Fatal("expected extraction failure to propagate")
	}

	got, _ := store.Get(1)
	if got.Stage != models.StageFailed {
		t.Fatalf("stage = %s, want %s", got.Stage, models.StageFailed)
	}
}

func TestHandleSubtitleAdvancesToAwaitingName(t *testing.T) {
	o, store := newTestOrchestrator(t, "exit 0\n")
	session := models.NewSession(1, models.IngestUpload, time.Now())
	session.Stage = models.StageAwaitingSubtitle
	mustCreate(t, store, session)

	if err := o.HandleSubtitle(1, models.FileRef{Path: "sub.ass"}); err != nil {
		t.Fatalf("HandleSubtitle: %v", err)
	}
	got, _ := store.Get(1)
	if got.Stage != models.StageAwaitingName {
		t.Fatalf("stage = %s, want %s", got.Stage, models.StageAwaitingName)
	}
}

func TestHandleNameSetsCaptionAndAdvances(t *testing.T) {
	o, store := newTestOrchestrator(t, "exit 0\n")
	session := models.NewSession(1, models.IngestUpload, time.Now())
	session.Stage = models.StageAwaitingName
	mustCreate(t, store, session)

	if err := o.HandleName(1, "  My Episode  "); err != nil {
		t.Fatalf("HandleName: %v", err)
	}
	got, _ := store.Get(1)
	if got.OutputName != "My Episode" || got.Caption != "My Episode" {
		t.Fatalf("OutputName/Caption = %q/%q, want trimmed value", got.OutputName, got.Caption)
	}
	if got.Stage != models.StageAwaitingThumbnail {
		t.Fatalf("stage = %s, want %s", got.Stage, models.StageAwaitingThumbnail)
	}
}

func TestHandleNameRejectsEmpty(t *testing.T) {
	o, store := newTestOrchestrator(t, "exit 0\n")
	session := models.NewSession(1, models.IngestUpload, time.Now())
	session.Stage = models.StageAwaitingName
	mustCreate(t, store, session)

	if err := o.HandleName(1, "   "); err == nil {
		t.Fatal("expected error for blank name")
	}
}

func TestHandleCreatePostRejectsMissingMandatory(t *testing.T) {
	o, store := newTestOrchestrator(t, "exit 0\n")
	session := models.NewSession(1, models.IngestURL, time.Now())
	mustCreate(t, store, session)

	err := o.HandleCreatePost(context.Background(), 1)
	missing, ok := err.(ErrMissingMandatory)
	if !ok {
		t.Fatalf("expected ErrMissingMandatory, got %v", err)
	}
	if len(missing.Fields) == 0 {
		t.Fatal("expected at least one missing field")
	}
}

func TestHandleCreatePostStartsProcessingWhenComplete(t *testing.T) {
	o, store := newTestOrchestrator(t, "exit 0\n")
	session := models.NewSession(1, models.IngestURL, time.Now())
	session.Metadata[models.MetaTitle] = "Some Title"
	session.Metadata[models.MetaDDLURL] = "http://example.invalid/file.mkv"
	mustCreate(t, store, session)

	if err := o.HandleCreatePost(context.Background(), 1); err != nil {
		t.Fatalf("HandleCreatePost: %v", err)
	}
	got, _ := store.Get(1)
	if got.Stage != models.StageProcessing {
		t.Fatalf("stage = %s, want %s", got.Stage, models.StageProcessing)
	}
}

func TestHandleCancelIsIdempotentAndReleasesTempFiles(t *testing.T) {
	o, store := newTestOrchestrator(t, "exit 0\n")
	session := models.NewSession(1, models.IngestUpload, time.Now())
	tmp := filepath.Join(t.TempDir(), "scratch.tmp")
	if err := os.WriteFile(tmp, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed temp file: %v", err)
	}
	session.TempFiles = append(session.TempFiles, tmp)
	mustCreate(t, store, session)

	if err := o.HandleCancel(context.Background(), 1); err != nil {
		t.Fatalf("HandleCancel: %v", err)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Fatalf("expected temp file removed, stat err = %v", err)
	}
	if _, ok := store.Get(1); ok {
		t.Fatal("expected session removed")
	}

	// Cancelling an absent session is a no-op, not an error.
	if err := o.HandleCancel(context.Background(), 1); err != nil {
		t.Fatalf("expected idempotent cancel, got: %v", err)
	}
}

func TestSetMetadataRejectsWrongStage(t *testing.T) {
	o, store := newTestOrchestrator(t, "exit 0\n")
	session := models.NewSession(1, models.IngestUpload, time.Now())
	mustCreate(t, store, session)

	if err := o.SetMetadata(1, models.MetaTitle, "x"); err == nil {
		t.Fatal("expected stage violation for upload-ingest session")
	}
}

func TestToggleModeFlipsBetweenManualAndAuto(t *testing.T) {
	o, _ := newTestOrchestrator(t, "exit 0\n")
	if o.Mode() != ModeManual {
		t.Fatalf("initial mode = %s, want %s", o.Mode(), ModeManual)
	}
	if got := o.ToggleMode(); got != ModeAuto {
		t.Fatalf("ToggleMode = %s, want %s", got, ModeAuto)
	}
	if got := o.ToggleMode(); got != ModeManual {
		t.Fatalf("ToggleMode = %s, want %s", got, ModeManual)
	}
}
