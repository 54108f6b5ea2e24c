package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"bitriver-submerger/internal/chatadapter"
	"bitriver-submerger/internal/models"
	"bitriver-submerger/internal/observability/logging"
	"bitriver-submerger/internal/observability/metrics"
	"bitriver-submerger/internal/pipeline"
	"bitriver-submerger/internal/sessionstore"
)

const refusalText = "🚫 You are not authorized to use this bot."

// FeedToggler is the narrow surface of the Feed Watcher the router needs
// for the "/feed_on" and "/feed_off" operator commands. Defined here
// instead of imported from internal/feedwatcher to keep the router's
// compile-time dependency surface limited to what it actually calls.
type FeedToggler interface {
	SetEnabled(enabled bool)
	Enabled() bool
}

// Config configures a Router.
type Config struct {
	Chat     chatadapter.Client
	Sessions *sessionstore.Store
	Pipeline *pipeline.Orchestrator
	Owners   OwnerSet

	// AnnouncementChannelID and HasAnnouncementChannel mirror the §9 open
	// question: the public status surface is only created when a
	// distribution channel is configured.
	AnnouncementChannelID  int64
	HasAnnouncementChannel bool

	Feed FeedToggler

	Logs *logging.TailBuffer

	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Router classifies inbound chat events and dispatches them to the Pipeline
// Orchestrator, per spec §4.2.
type Router struct {
	chat     chatadapter.Client
	sessions *sessionstore.Store
	pipe     *pipeline.Orchestrator
	owners   OwnerSet

	announcementChannelID  int64
	hasAnnouncementChannel bool

	feed FeedToggler
	logs *logging.TailBuffer

	logger  *slog.Logger
	metrics *metrics.Recorder

	mu           sync.Mutex
	pendingField map[models.Principal]models.MetadataKey
}

// New constructs a Router and wires its handlers onto the chat adapter.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	r := &Router{
		chat:                   cfg.Chat,
		sessions:               cfg.Sessions,
		pipe:                   cfg.Pipeline,
		owners:                 cfg.Owners,
		announcementChannelID:  cfg.AnnouncementChannelID,
		hasAnnouncementChannel: cfg.HasAnnouncementChannel,
		feed:                   cfg.Feed,
		logs:                   cfg.Logs,
		logger:                 logger,
		metrics:                recorder,
		pendingField:           make(map[models.Principal]models.MetadataKey),
	}
	r.chat.OnMessage(r.handleMessage)
	r.chat.OnCallback(r.handleCallback)
	return r
}

// handleMessage is the chatadapter.Handler registered for every inbound
// message event. A handler panic is recovered, answered with a generic
// error reply, and returned as an error instead of unwinding into the chat
// platform's own dispatch loop, per spec §7's propagation policy.
func (r *Router) handleMessage(ctx context.Context, event chatadapter.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("router: handler panic", "panic", p)
			r.replyPrivate(ctx, event.PrincipalID, "❌ Unexpected error.")
			err = fmt.Errorf("router: recovered panic: %v", p)
		}
	}()

	principal := models.Principal(event.PrincipalID)
	if !r.owners.Contains(principal) {
		if event.Kind == chatadapter.EventCommand {
			r.replyPrivate(ctx, event.PrincipalID, refusalText)
		}
		return nil
	}

	switch event.Kind {
	case chatadapter.EventCommand:
		return r.handleCommand(ctx, principal, event)
	case chatadapter.EventFile:
		return r.handleFile(ctx, principal, event)
	case chatadapter.EventText:
		return r.handleText(ctx, principal, event)
	default:
		return nil
	}
}

func (r *Router) handleCallback(ctx context.Context, event chatadapter.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("router: callback panic", "panic", p)
			err = fmt.Errorf("router: recovered panic: %v", p)
		}
	}()

	cb, parseErr := ParseCallback(event.CallbackData)
	if parseErr != nil {
		r.replyPrivate(ctx, event.PrincipalID, "🚫 Malformed action.")
		return nil
	}
	// The callback payload's embedded principal id must match the tapping
	// user; otherwise one principal could drive another's session by
	// replaying a button, so the tap is silently dropped.
	if int64(cb.Principal) != event.PrincipalID || !r.owners.Contains(cb.Principal) {
		return nil
	}

	principal := cb.Principal
	switch cb.Action {
	case ActionMerge:
		return r.beginUploadSession(ctx, principal)
	case ActionCancel:
		if err := r.pipe.HandleCancel(ctx, principal); err != nil {
			r.logger.Warn("router: cancel failed", "principal_id", principal, "error", err)
		}
		return nil
	case ActionCreatePost:
		return r.handleCreatePost(ctx, principal)
	case ActionExtract:
		if err := r.pipe.ExtractSubtitleFromVideo(ctx, principal); err != nil {
			r.replyPrivate(ctx, int64(principal), fmt.Sprintf("❌ %s", err.Error()))
			return nil
		}
		r.replyPrivate(ctx, int64(principal), "Send the output name.")
		return nil
	case ActionScreenshot:
		if err := r.attachStatusSurfaces(ctx, principal); err != nil {
			r.logger.Warn("router: attach surfaces failed", "principal_id", principal, "error", err)
		}
		if err := r.pipe.CaptureStillFromVideo(ctx, principal); err != nil {
			r.replyPrivate(ctx, int64(principal), fmt.Sprintf("❌ %s", err.Error()))
		}
		return nil
	case ActionSetField:
		r.mu.Lock()
		r.pendingField[principal] = cb.Field
		r.mu.Unlock()
		r.replyPrivate(ctx, int64(principal), fmt.Sprintf("Send the value for %s:", cb.Field))
		return nil
	default:
		return nil
	}
}

// handleCommand dispatches a classified command event, per the CLI surface
// table in spec §6.
func (r *Router) handleCommand(ctx context.Context, principal models.Principal, event chatadapter.Event) error {
	switch strings.ToLower(event.Command) {
	case "start", "merge":
		return r.beginUploadSession(ctx, principal)
	case "help":
		r.replyPrivate(ctx, event.PrincipalID, helpText)
		return nil
	case "ping":
		r.replyPrivate(ctx, event.PrincipalID, "Pong")
		return nil
	case "post":
		return r.beginURLSession(ctx, principal)
	case "ddl":
		return r.beginDDLSession(ctx, principal, strings.TrimSpace(event.CommandArgs))
	case "mode":
		mode := r.pipe.ToggleMode()
		r.replyPrivate(ctx, event.PrincipalID, fmt.Sprintf("Mode: %s", mode))
		return nil
	case "cleanup":
		if err := r.pipe.HandleCancel(ctx, principal); err != nil {
			r.logger.Warn("router: cleanup failed", "principal_id", principal, "error", err)
		}
		r.replyPrivate(ctx, event.PrincipalID, "Session cleared.")
		return nil
	case "logs":
		return r.sendLogs(ctx, event.PrincipalID)
	// "feed_on"/"feed_off" stand in for spec §6's ambiguously-named "/on",
	// "/off" feed-control commands: the spec's CLI table gives them no
	// distinguishing command word of their own, so they are registered
	// here under an unambiguous pair of names.
	case "feed_on":
		if r.feed != nil {
			r.feed.SetEnabled(true)
		}
		r.replyPrivate(ctx, event.PrincipalID, "Feed watcher enabled.")
		return nil
	case "feed_off":
		if r.feed != nil {
			r.feed.SetEnabled(false)
		}
		r.replyPrivate(ctx, event.PrincipalID, "Feed watcher disabled.")
		return nil
	default:
		r.replyPrivate(ctx, event.PrincipalID, "Unknown command. Send /help.")
		return nil
	}
}

const helpText = "Send a video to begin, or /post to publish from a direct-download URL. /ping, /mode, /cleanup, /logs are also available."

// beginUploadSession starts the upload-ingest path (§3's IngestUpload), the
// common target of /start, /merge, and the "merge" callback action.
func (r *Router) beginUploadSession(ctx context.Context, principal models.Principal) error {
	session := models.NewSession(principal, models.IngestUpload, time.Now())
	if err := r.sessions.Create(session); err != nil {
		var already sessionstore.ErrAlreadyActive
		if errors.As(err, &already) {
			r.replyPrivate(ctx, int64(principal), "You already have a session in progress. Send /cleanup to start over.")
			return nil
		}
		return err
	}
	r.metrics.ObserveSessionStage(string(models.StageAwaitingVideo))
	r.replyPrivate(ctx, int64(principal), "Send the video.")
	return nil
}

// beginURLSession starts the metadata-driven /post flow (§4.6's URL-ingest
// entry variant), presenting the field-selection keyboard.
func (r *Router) beginURLSession(ctx context.Context, principal models.Principal) error {
	session := models.NewSession(principal, models.IngestURL, time.Now())
	if err := r.sessions.Create(session); err != nil {
		var already sessionstore.ErrAlreadyActive
		if errors.As(err, &already) {
			r.replyPrivate(ctx, int64(principal), "You already have a session in progress. Send /cleanup to start over.")
			return nil
		}
		return err
	}
	r.sendMetadataMenu(ctx, principal)
	return nil
}

func (r *Router) sendMetadataMenu(ctx context.Context, principal models.Principal) {
	buttons := make([]chatadapter.Button, 0, len(models.AllMetadataKeys())+2)
	for _, key := range models.AllMetadataKeys() {
		buttons = append(buttons, chatadapter.Button{
			Label: fmt.Sprintf("Set %s", key),
			URL:   BuildSetFieldCallback(key, principal),
		})
	}
	buttons = append(buttons,
		chatadapter.Button{Label: "Create Post", URL: BuildCallback(ActionCreatePost, principal, "")},
		chatadapter.Button{Label: "Cancel", URL: BuildCallback(ActionCancel, principal, "")},
	)
	markup := &chatadapter.Markup{Buttons: buttons}
	if _, err := r.chat.SendMessage(ctx, chatadapter.Chat{ID: int64(principal)}, "Tap a field to set, then Create Post.", markup); err != nil {
		r.logger.Warn("router: send metadata menu failed", "principal_id", principal, "error", err)
	}
}

// beginDDLSession starts a URL-ingest session with defaults, per spec §6's
// "/ddl <url>: Begin a URL-ingest session with defaults". The title
// defaults to the URL's final path segment, without its extension, since
// the command supplies no metadata menu.
func (r *Router) beginDDLSession(ctx context.Context, principal models.Principal, rawURL string) error {
	if err := validateDDLURL(rawURL); err != nil {
		r.replyPrivate(ctx, int64(principal), fmt.Sprintf("❌ %s", err.Error()))
		return nil
	}
	session := models.NewSession(principal, models.IngestURL, time.Now())
	session.Metadata[models.MetaDDLURL] = rawURL
	session.Metadata[models.MetaTitle] = titleFromURL(rawURL)
	session.OutputName = session.Metadata[models.MetaTitle]
	session.Caption = session.OutputName
	if err := r.sessions.Create(session); err != nil {
		var already sessionstore.ErrAlreadyActive
		if errors.As(err, &already) {
			r.replyPrivate(ctx, int64(principal), "You already have a session in progress. Send /cleanup to start over.")
			return nil
		}
		return err
	}
	if err := r.attachStatusSurfaces(ctx, principal); err != nil {
		r.logger.Warn("router: attach surfaces failed", "principal_id", principal, "error", err)
	}
	if err := r.pipe.HandleCreatePost(ctx, principal); err != nil {
		r.replyPrivate(ctx, int64(principal), fmt.Sprintf("❌ %s", err.Error()))
	}
	return nil
}

func titleFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	base := path.Base(parsed.Path)
	return strings.TrimSuffix(base, path.Ext(base))
}

func (r *Router) handleCreatePost(ctx context.Context, principal models.Principal) error {
	session, ok := r.sessions.Get(principal)
	if !ok {
		return nil
	}
	if missing := session.MissingMandatory(); len(missing) > 0 {
		r.replyPrivate(ctx, int64(principal), fmt.Sprintf("❌ Missing required fields: %v", missing))
		return nil
	}
	if err := r.attachStatusSurfaces(ctx, principal); err != nil {
		r.logger.Warn("router: attach surfaces failed", "principal_id", principal, "error", err)
	}
	if err := r.pipe.HandleCreatePost(ctx, principal); err != nil {
		var missing pipeline.ErrMissingMandatory
		if errors.As(err, &missing) {
			r.replyPrivate(ctx, int64(principal), fmt.Sprintf("❌ Missing required fields: %v", missing.Fields))
			return nil
		}
		r.replyPrivate(ctx, int64(principal), fmt.Sprintf("❌ %s", err.Error()))
	}
	return nil
}

// handleFile dispatches a classified file-arrival event per spec §4.2's
// kind 2 and §4.6's stage machine.
func (r *Router) handleFile(ctx context.Context, principal models.Principal, event chatadapter.Event) error {
	session, ok := r.sessions.Get(principal)
	if !ok {
		r.replyPrivate(ctx, event.PrincipalID, "Send /start first.")
		return nil
	}

	ref := models.FileRef{SourceMessageID: strconv.FormatInt(event.FileMessageID, 10)}

	switch event.FileKind {
	case "font":
		// Font arrival is not a stage transition: it may be supplied at any
		// non-terminal point and simply overrides the configured default.
		if session.Stage.Terminal() {
			return nil
		}
		_ = r.sessions.Mutate(principal, time.Now(), func(s *models.Session) error {
			s.FontRef = models.FileRef{Path: "", SourceMessageID: ref.SourceMessageID}
			return nil
		})
		r.replyPrivate(ctx, event.PrincipalID, "Font attached.")
		return nil
	case "video":
		if session.Stage != models.StageAwaitingVideo {
			r.replyPrivate(ctx, event.PrincipalID, r.stageHint(session.Stage))
			return nil
		}
		if err := r.pipe.HandleVideo(ctx, principal, ref); err != nil {
			r.replyPrivate(ctx, event.PrincipalID, fmt.Sprintf("❌ %s", err.Error()))
			return nil
		}
		r.replyNextHint(ctx, principal)
		return nil
	case "subtitle":
		if session.Stage != models.StageAwaitingSubtitle {
			r.replyPrivate(ctx, event.PrincipalID, r.stageHint(session.Stage))
			return nil
		}
		if err := r.pipe.HandleSubtitle(principal, ref); err != nil {
			r.replyPrivate(ctx, event.PrincipalID, fmt.Sprintf("❌ %s", err.Error()))
			return nil
		}
		r.replyPrivate(ctx, event.PrincipalID, "Send the output name.")
		return nil
	case "photo":
		if session.Stage != models.StageAwaitingThumbnail {
			r.replyPrivate(ctx, event.PrincipalID, r.stageHint(session.Stage))
			return nil
		}
		if err := r.attachStatusSurfaces(ctx, principal); err != nil {
			r.logger.Warn("router: attach surfaces failed", "principal_id", principal, "error", err)
		}
		if err := r.pipe.HandleThumbnail(ctx, principal, ref); err != nil {
			r.replyPrivate(ctx, event.PrincipalID, fmt.Sprintf("❌ %s", err.Error()))
		}
		return nil
	default:
		r.replyPrivate(ctx, event.PrincipalID, "Unrecognized file type.")
		return nil
	}
}

func (r *Router) replyNextHint(ctx context.Context, principal models.Principal) {
	session, ok := r.sessions.Get(principal)
	if !ok {
		return
	}
	r.replyPrivate(ctx, int64(principal), r.stageHint(session.Stage))
}

// stageHint names the input the router expects next, used both for the
// §4.2 stage-violation policy and to prompt the operator after a
// successful transition.
func (r *Router) stageHint(stage models.Stage) string {
	switch stage {
	case models.StageAwaitingVideo:
		return "Send the video."
	case models.StageAwaitingSubtitle:
		return "Send the subtitle file."
	case models.StageAwaitingName:
		return "Send the output name."
	case models.StageAwaitingThumbnail:
		return "Send the thumbnail photo."
	case models.StageAwaitingMetadata:
		return "Tap a field to set, then Create Post."
	case models.StageProcessing:
		return "Processing, please wait."
	case models.StageUploading:
		return "Uploading, please wait."
	default:
		return "No input expected right now."
	}
}

// handleText dispatches a classified free-text event per spec §4.2's
// kind 3.
func (r *Router) handleText(ctx context.Context, principal models.Principal, event chatadapter.Event) error {
	session, ok := r.sessions.Get(principal)
	if !ok {
		r.replyPrivate(ctx, event.PrincipalID, "Send /start first.")
		return nil
	}

	switch session.Stage {
	case models.StageAwaitingName:
		if err := r.pipe.HandleName(principal, event.Text); err != nil {
			r.replyPrivate(ctx, event.PrincipalID, fmt.Sprintf("❌ %s", err.Error()))
			return nil
		}
		r.replyPrivate(ctx, event.PrincipalID, "Send the thumbnail photo.")
		return nil
	case models.StageAwaitingMetadata:
		return r.handleMetadataText(ctx, principal, event)
	default:
		r.replyPrivate(ctx, event.PrincipalID, r.stageHint(session.Stage))
		return nil
	}
}

func (r *Router) handleMetadataText(ctx context.Context, principal models.Principal, event chatadapter.Event) error {
	r.mu.Lock()
	field, pending := r.pendingField[principal]
	r.mu.Unlock()
	if !pending {
		r.replyPrivate(ctx, event.PrincipalID, "Tap a field to set, then Create Post.")
		return nil
	}

	value := strings.TrimSpace(event.Text)
	var validationErr error
	switch field {
	case models.MetaRating:
		validationErr = validateRating(value)
	case models.MetaEpisode:
		validationErr = validateEpisode(value)
	case models.MetaDDLURL, models.MetaCoverURL:
		validationErr = validateDDLURL(value)
	}
	if validationErr != nil {
		r.replyPrivate(ctx, event.PrincipalID, fmt.Sprintf("❌ %s", validationErr.Error()))
		return nil
	}

	if err := r.pipe.SetMetadata(principal, field, value); err != nil {
		r.replyPrivate(ctx, event.PrincipalID, fmt.Sprintf("❌ %s", err.Error()))
		return nil
	}
	r.mu.Lock()
	delete(r.pendingField, principal)
	r.mu.Unlock()
	r.sendMetadataMenu(ctx, principal)
	return nil
}

// attachStatusSurfaces creates the private status message (and, when
// configured, the public announcement-channel status message) a session's
// Processing/Uploading stages report progress to, per spec §4.3's
// dual-surface semantics and §9's "permits configuration to disable the
// public one when MAIN_CHANNEL is unset".
//
// The private chat id is assumed equal to the principal id, which holds for
// a direct-message chat on the reference chat platform.
func (r *Router) attachStatusSurfaces(ctx context.Context, principal models.Principal) error {
	privateChat := chatadapter.Chat{ID: int64(principal)}
	sent, err := r.chat.SendMessage(ctx, privateChat, "⏳ Starting…", nil)
	if err != nil {
		return fmt.Errorf("router: send private status: %w", err)
	}
	surfaces := models.StatusSurfaces{
		PrivateChatID: strconv.FormatInt(privateChat.ID, 10),
		PrivateMsgID:  strconv.FormatInt(sent.MessageID, 10),
	}
	if r.hasAnnouncementChannel {
		publicChat := chatadapter.Chat{ID: r.announcementChannelID}
		publicSent, pubErr := r.chat.SendMessage(ctx, publicChat, "⏳ Starting…", nil)
		if pubErr == nil {
			surfaces.PublicChatID = strconv.FormatInt(publicChat.ID, 10)
			surfaces.PublicMsgID = strconv.FormatInt(publicSent.MessageID, 10)
			surfaces.HasPublic = true
		} else {
			r.logger.Info("router: public status surface failed", "error", pubErr)
		}
	}
	return r.sessions.Mutate(principal, time.Now(), func(s *models.Session) error {
		s.Surfaces = surfaces
		return nil
	})
}

func (r *Router) sendLogs(ctx context.Context, principalID int64) error {
	if r.logs == nil {
		r.replyPrivate(ctx, principalID, "No log tail configured.")
		return nil
	}
	lines := r.logs.Tail(0)
	f, err := os.CreateTemp("", "bot-logs-*.txt")
	if err != nil {
		return fmt.Errorf("router: create log tail file: %w", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()
	for _, line := range lines {
		if _, err := f.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("router: write log tail: %w", err)
		}
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	if _, err := r.chat.SendDocument(ctx, chatadapter.Chat{ID: principalID}, f.Name(), "logs.txt", "", nil); err != nil {
		r.logger.Warn("router: send logs failed", "error", err)
	}
	return nil
}

func (r *Router) replyPrivate(ctx context.Context, principalID int64, text string) {
	if _, err := r.chat.SendMessage(ctx, chatadapter.Chat{ID: principalID}, text, nil); err != nil {
		r.logger.Debug("router: reply failed", "principal_id", principalID, "error", err)
	}
}
