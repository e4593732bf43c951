// Package telegram is the chat front end: it delivers fired notifications
// with an "Open" button that acknowledges them, asks the user for
// notification permission, forwards logs, and serves the control commands.
package telegram

import (
	"context"
	"errors"
	"sync"
	"time"

	"chime/internal/delivery"
	"chime/internal/notification"
	"chime/internal/permission"
	kit "chime/internal/transport"
	"chime/internal/transport/telegram/router"
	logx "chime/pkg/logx"
)

// ErrNoChat is returned when no chat_id is configured to send to.
var ErrNoChat = errors.New("telegram chat_id is not configured")

const (
	maxTrackedMessages   = 512
	defaultPromptTimeout = 2 * time.Minute
)

// Service is what the bot commands drive.
type Service interface {
	Notify(ctx context.Context, title, body string, delay time.Duration) (string, error)
	NotifyDemo(ctx context.Context) (id string, delay time.Duration, err error)
	Cancel(id string) error
	Acknowledge(id string) error
	Get(id string) (notification.Record, bool)
	Pending() []notification.Record
	Fired() []notification.Record
	History() []notification.Record
	PermissionStatus(ctx context.Context) permission.Status
	RequestPermission(ctx context.Context) permission.Status
}

type Config struct {
	ChatID        int64
	Location      *time.Location
	PromptTimeout time.Duration
}

type Bot struct {
	adapter kit.Adapter
	log     logx.Logger

	mu       sync.Mutex
	cfg      Config
	svc      Service
	refs     map[string]kit.MessageRef
	refOrder []string

	promptMu sync.Mutex // one prompt in flight
	answers  chan permission.Status // unbuffered: only a waiting prompt receives
}

var (
	_ delivery.AckChannel = (*Bot)(nil)
	_ logx.Sender         = (*Bot)(nil)
)

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bot{
		adapter: adapter,
		log:     log,
		refs:    map[string]kit.MessageRef{},
		answers: make(chan permission.Status),
	}
	b.Apply(cfg)
	return b
}

// Bind attaches the service the commands act on.
func (b *Bot) Bind(svc Service) {
	b.mu.Lock()
	b.svc = svc
	b.mu.Unlock()
}

func (b *Bot) Apply(cfg Config) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.PromptTimeout <= 0 {
		cfg.PromptTimeout = defaultPromptTimeout
	}
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
}

func (b *Bot) config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

func (b *Bot) service() Service {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.svc
}

func (b *Bot) target() (kit.ChatTarget, error) {
	cfg := b.config()
	if cfg.ChatID == 0 {
		return kit.ChatTarget{}, ErrNoChat
	}
	return kit.ChatTarget{ChatID: cfg.ChatID}, nil
}

func (b *Bot) Name() string { return "telegram" }

// Deliver posts r with an "Open" button; pressing it acknowledges r.
func (b *Bot) Deliver(ctx context.Context, r notification.Record) error {
	to, err := b.target()
	if err != nil {
		return err
	}
	ref, err := b.adapter.SendText(ctx, to, formatFired(r), &kit.SendOptions{
		ParseMode: "HTML",
		Buttons:   [][]kit.Button{{{Text: "Open", Data: ackData(r.ID)}}},
	})
	if err != nil {
		return err
	}
	b.remember(r.ID, ref)
	return nil
}

// Acknowledged rewrites the delivered message without its button.
func (b *Bot) Acknowledged(ctx context.Context, r notification.Record) error {
	ref, ok := b.forget(r.ID)
	if !ok {
		return nil
	}
	return b.adapter.EditText(ctx, ref, formatOpened(r, b.config().Location), &kit.SendOptions{ParseMode: "HTML"})
}

// SendLog forwards a log line to the configured chat.
func (b *Bot) SendLog(ctx context.Context, text string) error {
	to, err := b.target()
	if err != nil {
		return err
	}
	_, err = b.adapter.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// Prompt asks the chat to allow or deny notifications and waits for the
// answer. It fits permission.Prompter.
func (b *Bot) Prompt(ctx context.Context) (permission.Status, error) {
	to, err := b.target()
	if err != nil {
		return permission.Undetermined, err
	}
	b.promptMu.Lock()
	defer b.promptMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, b.config().PromptTimeout)
	defer cancel()
	if _, err := b.adapter.SendText(ctx, to, permissionPromptText, &kit.SendOptions{
		ParseMode: "HTML",
		Buttons: [][]kit.Button{{
			{Text: "Allow", Data: "perm:allow"},
			{Text: "Don't allow", Data: "perm:deny"},
		}},
	}); err != nil {
		return permission.Undetermined, err
	}

	select {
	case st := <-b.answers:
		b.log.Info("permission answered", logx.String("status", string(st)))
		return st, nil
	case <-ctx.Done():
		return permission.Undetermined, ctx.Err()
	}
}

// answerPrompt hands st to the waiting prompt. It gives up after a short
// grace period when no prompt is waiting.
func (b *Bot) answerPrompt(ctx context.Context, st permission.Status) bool {
	t := time.NewTimer(time.Second)
	defer t.Stop()
	select {
	case b.answers <- st:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (b *Bot) remember(id string, ref kit.MessageRef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.refs[id]; !ok {
		b.refOrder = append(b.refOrder, id)
	}
	b.refs[id] = ref
	for len(b.refOrder) > maxTrackedMessages {
		delete(b.refs, b.refOrder[0])
		b.refOrder = b.refOrder[1:]
	}
}

func (b *Bot) forget(id string) (kit.MessageRef, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref, ok := b.refs[id]
	if ok {
		delete(b.refs, id)
		for i, v := range b.refOrder {
			if v == id {
				b.refOrder = append(b.refOrder[:i], b.refOrder[i+1:]...)
				break
			}
		}
	}
	return ref, ok
}

// Commands and Callbacks are installed into a router by the app.
func (b *Bot) Commands() []router.Command { return b.commands() }

func (b *Bot) Callbacks() []router.CallbackRoute { return b.callbacks() }

func ackData(id string) string { return "ack:" + id }
