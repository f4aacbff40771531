package transport

import "context"

type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	// Media is set when the message carries a photo; Text then holds the caption.
	Media *MediaItem
}

// MediaItem references a media object by the transport's stable file id,
// so it can be re-sent to other recipients without re-uploading.
type MediaItem struct {
	FileID string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is the chat-transport contract. All send/edit calls may fail
// independently per recipient; callers decide what failures mean.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendMedia(ctx context.Context, to ChatTarget, media MediaItem, caption string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
}
