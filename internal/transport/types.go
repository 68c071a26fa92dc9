// Package transport defines the chat-platform-neutral types the bot
// routes on. The Telegram adapter maps these onto telebot; nothing
// outside internal/transport/telegram should import telebot directly.
package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool

	// Document is set when the message carries a file attachment. For
	// such messages Text holds the caption, so captioned documents route
	// like ordinary commands.
	Document *IncomingDocument
}

// IncomingDocument references a file attached to an incoming message.
// The bytes are fetched on demand via Adapter.FetchDocument.
type IncomingDocument struct {
	FileID string
	Name   string
	Size   int64
}

// Document is an outgoing file attachment.
type Document struct {
	Name    string
	MIME    string
	Caption string
	Data    []byte
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error

	SendDocument(ctx context.Context, to ChatTarget, doc Document) (MessageRef, error)
	FetchDocument(ctx context.Context, fileID string, maxBytes int64) ([]byte, error)
}

// BotCommand is a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface adapters implement to
// refresh the platform's command autocomplete list.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
