package chatadapter

import (
	"context"
	"io"
)

// NoopClient is a Client implementation used in tests and whenever no live
// chat-platform credentials are configured. Every send succeeds trivially
// and returns an incrementing synthetic message ID.
type NoopClient struct {
	nextMessageID int64
}

// NewNoopClient constructs a NoopClient.
func NewNoopClient() *NoopClient {
	return &NoopClient{}
}

func (c *NoopClient) next() int64 {
	c.nextMessageID++
	return c.nextMessageID
}

func (c *NoopClient) OnMessage(Handler)  {}
func (c *NoopClient) OnCallback(Handler) {}

func (c *NoopClient) SendMessage(_ context.Context, chat Chat, _ string, _ *Markup) (SentMessage, error) {
	return SentMessage{ChatID: chat.ID, MessageID: c.next()}, nil
}

func (c *NoopClient) SendPhoto(_ context.Context, chat Chat, _, _ string, _ *Markup) (SentMessage, error) {
	return SentMessage{ChatID: chat.ID, MessageID: c.next()}, nil
}

func (c *NoopClient) SendDocument(_ context.Context, chat Chat, _, _, _ string, progress ProgressFunc) (SentMessage, error) {
	if progress != nil {
		progress(1, 1)
	}
	return SentMessage{ChatID: chat.ID, MessageID: c.next()}, nil
}

func (c *NoopClient) SendVideo(_ context.Context, chat Chat, _, _ string, progress ProgressFunc) (SentMessage, error) {
	if progress != nil {
		progress(1, 1)
	}
	return SentMessage{ChatID: chat.ID, MessageID: c.next()}, nil
}

func (c *NoopClient) EditMessageText(context.Context, Chat, int64, string, *Markup) error {
	return nil
}

func (c *NoopClient) DeleteMessage(context.Context, Chat, int64) error {
	return nil
}

func (c *NoopClient) DownloadMedia(_ context.Context, _ int64, _ io.Writer, progress ProgressFunc) error {
	if progress != nil {
		progress(1, 1)
	}
	return nil
}

func (c *NoopClient) CopyMessage(_ context.Context, _ Chat, _ int64, dstChat Chat) (SentMessage, error) {
	return SentMessage{ChatID: dstChat.ID, MessageID: c.next()}, nil
}

var _ Client = (*NoopClient)(nil)
