// Package models defines the plain data types shared across the pipeline:
// principals, sessions, stages, artifacts, and the records derived from a
// completed upload.
package models

import "time"

// Principal identifies an end user of the chat platform. Authorization is by
// membership in a static set of owner identifiers loaded at startup.
type Principal int64

// Stage is one of the enumerated points in the per-session pipeline state
// machine.
type Stage string

const (
	StageAwaitingVideo     Stage = "awaiting_video"
	StageAwaitingSubtitle  Stage = "awaiting_subtitle"
	StageAwaitingName      Stage = "awaiting_name"
	StageAwaitingThumbnail Stage = "awaiting_thumbnail"
	StageAwaitingMetadata  Stage = "awaiting_metadata"
	StageProcessing        Stage = "processing"
	StageUploading         Stage = "uploading"
	StageDone              Stage = "done"
	StageFailed            Stage = "failed"
)

// Terminal reports whether the stage ends a session's lifecycle: no further
// transitions are legal and the session store owns releasing its resources.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

// transitions enumerates, for every non-terminal stage, the set of stages a
// single legal transition may land on. Cancellation and error transitions to
// StageFailed are legal from every non-terminal stage and are checked
// separately by CanTransition rather than being repeated in this table.
var transitions = map[Stage][]Stage{
	StageAwaitingVideo:     {StageAwaitingSubtitle},
	StageAwaitingSubtitle:  {StageAwaitingName},
	StageAwaitingName:      {StageAwaitingThumbnail},
	StageAwaitingThumbnail: {StageProcessing},
	StageAwaitingMetadata:  {StageProcessing},
	StageProcessing:        {StageUploading},
	StageUploading:         {StageDone},
}

// CanTransition reports whether moving from s to next is a legal transition
// per the pipeline state machine in §4.6. A transition to StageFailed is
// always legal from a non-terminal stage (cancellation or error).
func (s Stage) CanTransition(next Stage) bool {
	if s.Terminal() {
		return false
	}
	if next == StageFailed {
		return true
	}
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// IngestKind distinguishes the two session entry paths: an uploaded video
// walked through the interactive stages, or a direct-download URL driven by
// the metadata menu.
type IngestKind string

const (
	IngestUpload IngestKind = "upload"
	IngestURL    IngestKind = "url"
)

// MetadataKey is a recognized key in a Session's metadata map.
type MetadataKey string

const (
	MetaTitle       MetadataKey = "title"
	MetaDescription MetadataKey = "description"
	MetaRating      MetadataKey = "rating"
	MetaEpisode     MetadataKey = "episode"
	MetaGenres      MetadataKey = "genres"
	MetaCoverURL    MetadataKey = "cover_url"
	MetaDDLURL      MetadataKey = "ddl_url"
	MetaQuality     MetadataKey = "quality"
	MetaStatus      MetadataKey = "status"
	MetaSize        MetadataKey = "size"
	MetaSynopsis    MetadataKey = "synopsis"
)

// AllMetadataKeys lists every recognized metadata key, in the order the
// URL-ingest metadata menu presents them. Used by the router to build the
// "set_<field>" callback keyboard and to parse callback payloads back into
// a field.
func AllMetadataKeys() []MetadataKey {
	return []MetadataKey{
		MetaTitle, MetaDescription, MetaRating, MetaEpisode, MetaGenres,
		MetaCoverURL, MetaDDLURL, MetaQuality, MetaStatus, MetaSize, MetaSynopsis,
	}
}

// FileRef is a handle to a local file on disk, or, before it has been
// fetched, to the inbound chat message it will be downloaded from.
type FileRef struct {
	// Path is set once the referenced file exists locally.
	Path string
	// SourceMessageID is set when the file still needs to be downloaded
	// from an inbound chat message via the chat adapter.
	SourceMessageID string
}

// Local reports whether the reference already points at a file on disk.
func (f FileRef) Local() bool {
	return f.Path != ""
}

// StatusSurfaces pairs the editable status messages a session reports
// progress to: a private message in the principal's own chat, and (when
// configured) a public message in the announcement channel.
type StatusSurfaces struct {
	PrivateChatID string
	PrivateMsgID  string
	PublicChatID  string
	PublicMsgID   string
	HasPublic     bool
}

// Session is a principal-keyed record of work in progress, per §3.
type Session struct {
	PrincipalID Principal
	Kind        IngestKind
	Stage       Stage

	VideoRef     FileRef
	SubtitleRef  FileRef
	FontRef      FileRef
	ThumbnailRef FileRef

	OutputName string
	Caption    string
	Metadata   map[MetadataKey]string

	Surfaces StatusSurfaces

	// TempFiles lists every on-disk path this session owns and must remove
	// on any terminal transition.
	TempFiles []string

	CreatedAt      time.Time
	LastActivityAt time.Time

	// cancel, when non-nil, requests cooperative cancellation of any
	// in-flight stage work for this session.
	cancel func()
}

// NewSession constructs a Session in its initial stage for the given ingest
// kind.
func NewSession(principal Principal, kind IngestKind, now time.Time) *Session {
	initial := StageAwaitingVideo
	if kind == IngestURL {
		initial = StageAwaitingMetadata
	}
	return &Session{
		PrincipalID:    principal,
		Kind:           kind,
		Stage:          initial,
		Metadata:       make(map[MetadataKey]string),
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// SetCancel installs the cancellation function the orchestrator uses to
// interrupt in-flight stage work for this session.
func (s *Session) SetCancel(cancel func()) {
	s.cancel = cancel
}

// Cancel invokes the installed cancellation function, if any. Safe to call
// more than once or on a session with no in-flight work.
func (s *Session) Cancel() {
	if s != nil && s.cancel != nil {
		s.cancel()
	}
}

// Touch refreshes LastActivityAt, used by the idle reaper to decide whether a
// session has gone stale.
func (s *Session) Touch(now time.Time) {
	s.LastActivityAt = now
}

// Idle reports whether the session has been inactive for at least horizon.
func (s *Session) Idle(now time.Time, horizon time.Duration) bool {
	return now.Sub(s.LastActivityAt) >= horizon
}

// MandatoryMetadata returns the metadata keys required for the session's
// ingest kind: title and ddl_url for URL-ingest, title alone for upload.
func (s *Session) MandatoryMetadata() []MetadataKey {
	if s.Kind == IngestURL {
		return []MetadataKey{MetaTitle, MetaDDLURL}
	}
	return []MetadataKey{MetaTitle}
}

// MissingMandatory returns the mandatory metadata keys not yet set.
func (s *Session) MissingMandatory() []MetadataKey {
	var missing []MetadataKey
	for _, key := range s.MandatoryMetadata() {
		if v, ok := s.Metadata[key]; !ok || v == "" {
			missing = append(missing, key)
		}
	}
	return missing
}
