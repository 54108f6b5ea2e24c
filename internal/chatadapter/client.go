// Package chatadapter defines the boundary between the pipeline and the
// chat platform it runs on. The concrete client (Telegram or otherwise) is
// out of scope; this package only fixes the contract and a fake for tests.
package chatadapter

import (
	"context"
	"errors"
	"io"
)

// Chat identifies a destination: a principal's private chat or a channel.
type Chat struct {
	ID int64
}

// Markup is an opaque inline keyboard description. The core never inspects
// its contents beyond passing it through; concrete clients render it.
type Markup struct {
	Buttons []Button
}

// Button is a single inline-keyboard entry with a share URL.
type Button struct {
	Label string
	URL   string
}

// SentMessage identifies a message the client sent or edited.
type SentMessage struct {
	ChatID    int64
	MessageID int64
}

// ProgressFunc receives byte-transfer samples during a long-running send or
// download so the Progress Reporter can render them.
type ProgressFunc func(current, total int64)

// Handler processes one inbound event. The returned error is logged; it
// never propagates to the chat platform's own dispatch loop.
type Handler func(ctx context.Context, event Event) error

// EventKind distinguishes the inbound event shapes the router classifies
// per spec §4.2.
type EventKind string

const (
	EventCommand  EventKind = "command"
	EventFile     EventKind = "file"
	EventText     EventKind = "text"
	EventCallback EventKind = "callback"
)

// Event is one inbound occurrence from the chat platform, already
// classified by kind.
type Event struct {
	Kind          EventKind
	PrincipalID   int64
	ChatID        int64
	MessageID     int64
	Command       string
	CommandArgs   string
	Text          string
	FileKind      string // "video", "subtitle", "photo", "font"
	FileMessageID int64
	CallbackData  string
}

// Client is the External chat-platform RPC contract from spec §6.
// Implementations must be safe for concurrent use.
type Client interface {
	OnMessage(handler Handler)
	OnCallback(handler Handler)

	SendMessage(ctx context.Context, chat Chat, text string, markup *Markup) (SentMessage, error)
	SendPhoto(ctx context.Context, chat Chat, photoURL, caption string, markup *Markup) (SentMessage, error)
	SendDocument(ctx context.Context, chat Chat, path, caption string, thumbPath string, progress ProgressFunc) (SentMessage, error)
	SendVideo(ctx context.Context, chat Chat, path, caption string, progress ProgressFunc) (SentMessage, error)

	// EditMessageText is idempotent; callers tolerate "message not modified"
	// errors by treating them as success.
	EditMessageText(ctx context.Context, chat Chat, messageID int64, text string, markup *Markup) error
	DeleteMessage(ctx context.Context, chat Chat, messageID int64) error

	DownloadMedia(ctx context.Context, messageID int64, dest io.Writer, progress ProgressFunc) error

	// CopyMessage duplicates srcMessageID from srcChat into dstChat, used by
	// the start-command handler to serve a minted share token.
	CopyMessage(ctx context.Context, srcChat Chat, srcMessageID int64, dstChat Chat) (SentMessage, error)
}

// ErrNotModified is returned (or wrapped) by EditMessageText implementations
// when the chat platform rejects an edit because the text is unchanged.
// Callers should treat it as success.
var ErrNotModified = notModifiedError{}

type notModifiedError struct{}

func (notModifiedError) Error() string { return "message not modified" }

// IsNotModified reports whether err represents the platform's "message not
// modified" response.
func IsNotModified(err error) bool {
	return errors.Is(err, ErrNotModified)
}
