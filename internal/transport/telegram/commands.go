package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"chime/internal/notification"
	"chime/internal/permission"
	kit "chime/internal/transport"
	"chime/internal/transport/telegram/router"
)

const listLimit = 20

var htmlReply = &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}

func (b *Bot) commands() []router.Command {
	return []router.Command{
		{
			Name:        "notify",
			Description: "schedule the demo notification (10 s)",
			Usage:       "/notify",
			Timeout:     3 * time.Minute,
			Handle:      b.handleNotify,
		},
		{
			Name:        "schedule",
			Aliases:     []string{"s"},
			Description: "schedule a notification",
			Usage:       "/schedule <delay> <title> | <body>   e.g. /schedule 90s Tea | Steeping done",
			Timeout:     3 * time.Minute,
			Handle:      b.handleSchedule,
		},
		{
			Name:        "cancel",
			Description: "cancel a pending notification",
			Usage:       "/cancel <id>",
			Handle:      b.handleCancel,
		},
		{
			Name:        "ack",
			Description: "mark a fired notification as opened",
			Usage:       "/ack <id>",
			Handle:      b.handleAck,
		},
		{
			Name:        "pending",
			Aliases:     []string{"list"},
			Description: "list pending and unopened notifications",
			Handle:      b.handlePending,
		},
		{
			Name:        "history",
			Description: "recently opened or cancelled notifications",
			Handle:      b.handleHistory,
		},
		{
			Name:        "permission",
			Description: "show or request notification permission",
			Timeout:     3 * time.Minute,
			Handle:      b.handlePermission,
		},
	}
}

func (b *Bot) callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{
		{Prefix: "ack", Handle: b.handleAckCallback},
		{Prefix: "perm", Handle: b.handlePermCallback},
	}
}

func (b *Bot) handleNotify(ctx context.Context, req *router.Request) error {
	svc := b.service()
	if svc == nil {
		return req.Reply(ctx, "not ready", nil)
	}
	_, delay, err := svc.NotifyDemo(ctx)
	if err != nil {
		return b.replyScheduleError(ctx, req, err)
	}
	return req.Reply(ctx, formatScheduled(delay), htmlReply)
}

func (b *Bot) handleSchedule(ctx context.Context, req *router.Request) error {
	svc := b.service()
	if svc == nil {
		return req.Reply(ctx, "not ready", nil)
	}
	delay, title, body, err := parseScheduleArgs(req.RawArgs)
	if err != nil {
		return req.Reply(ctx, "usage: /schedule <delay> <title> | <body>\n"+err.Error(), nil)
	}
	id, err := svc.Notify(ctx, title, body, delay)
	if err != nil {
		return b.replyScheduleError(ctx, req, err)
	}
	return req.Reply(ctx, formatScheduled(delay)+"\nid: <code>"+html.EscapeString(id)+"</code>", htmlReply)
}

func (b *Bot) replyScheduleError(ctx context.Context, req *router.Request, err error) error {
	switch {
	case errors.Is(err, permission.ErrPermissionDenied):
		return req.Reply(ctx, permissionDeniedText, htmlReply)
	case errors.Is(err, notification.ErrInvalidInput):
		return req.Reply(ctx, "⚠️ "+err.Error(), nil)
	default:
		_ = req.Reply(ctx, "⚠️ could not schedule: "+err.Error(), nil)
		return err
	}
}

func (b *Bot) handleCancel(ctx context.Context, req *router.Request) error {
	return b.byID(ctx, req, "/cancel <id>", func(svc Service, id string) (string, error) {
		return "🗑 cancelled <code>" + html.EscapeString(id) + "</code>", svc.Cancel(id)
	})
}

func (b *Bot) handleAck(ctx context.Context, req *router.Request) error {
	return b.byID(ctx, req, "/ack <id>", func(svc Service, id string) (string, error) {
		return "✓ opened <code>" + html.EscapeString(id) + "</code>", svc.Acknowledge(id)
	})
}

func (b *Bot) byID(ctx context.Context, req *router.Request, usage string, op func(Service, string) (string, error)) error {
	svc := b.service()
	if svc == nil {
		return req.Reply(ctx, "not ready", nil)
	}
	if len(req.Args) != 1 {
		return req.Reply(ctx, "usage: "+usage, nil)
	}
	ok, err := op(svc, req.Args[0])
	if errors.Is(err, notification.ErrNotFound) {
		return req.Reply(ctx, "nothing to do: "+err.Error(), nil)
	}
	if err != nil {
		return err
	}
	return req.Reply(ctx, ok, htmlReply)
}

func (b *Bot) handlePending(ctx context.Context, req *router.Request) error {
	svc := b.service()
	if svc == nil {
		return req.Reply(ctx, "not ready", nil)
	}
	loc := b.config().Location
	text := formatList("⏳ Pending", svc.Pending(), listLimit, loc, fireAt) +
		"\n\n" + formatList("🔔 Waiting to be opened", svc.Fired(), listLimit, loc, firedAt)
	return req.Reply(ctx, text, htmlReply)
}

func (b *Bot) handleHistory(ctx context.Context, req *router.Request) error {
	svc := b.service()
	if svc == nil {
		return req.Reply(ctx, "not ready", nil)
	}
	hist := svc.History()
	// newest first
	rev := make([]notification.Record, len(hist))
	for i, r := range hist {
		rev[len(hist)-1-i] = r
	}
	return req.Reply(ctx, formatList("📜 History", rev, listLimit, b.config().Location, closedAt), htmlReply)
}

func (b *Bot) handlePermission(ctx context.Context, req *router.Request) error {
	svc := b.service()
	if svc == nil {
		return req.Reply(ctx, "not ready", nil)
	}
	st := svc.PermissionStatus(ctx)
	if st == permission.Undetermined {
		st = svc.RequestPermission(ctx)
	}
	return req.Reply(ctx, "permission: <b>"+string(st)+"</b>", htmlReply)
}

// handleAckCallback is the "Open" button: acknowledge, then show the
// notification the way a tapped alert would.
func (b *Bot) handleAckCallback(ctx context.Context, req *router.Request, id string) error {
	svc := b.service()
	if svc == nil {
		return nil
	}
	// Acknowledge moves the record out of the active set, so read it first.
	r, ok := svc.Get(id)
	if !ok {
		return nil
	}
	if err := svc.Acknowledge(id); err != nil {
		if errors.Is(err, notification.ErrNotFound) {
			return nil
		}
		return err
	}
	return req.Reply(ctx, formatClicked(r), htmlReply)
}

func (b *Bot) handlePermCallback(ctx context.Context, req *router.Request, payload string) error {
	var st permission.Status
	switch payload {
	case "allow":
		st = permission.Granted
	case "deny":
		st = permission.Denied
	default:
		return fmt.Errorf("unknown permission answer %q", payload)
	}
	if !b.answerPrompt(ctx, st) {
		return req.Reply(ctx, "no permission request is waiting", nil)
	}
	if ref := req.Update.Callback; ref != nil {
		_ = req.Adapter.EditText(ctx, kit.MessageRef{ChatID: ref.ChatID, MessageID: ref.MessageID},
			"🔐 notification permission: <b>"+string(st)+"</b>", htmlReply)
	}
	return nil
}

// parseScheduleArgs parses "<delay> <title> | <body>". The delay is a Go
// duration ("90s", "1h30m") or a whole number of seconds. Without a "|",
// the whole text after the delay is the title and also the body.
func parseScheduleArgs(raw string) (time.Duration, string, string, error) {
	raw = strings.TrimSpace(raw)
	first, rest, _ := strings.Cut(raw, " ")
	if first == "" {
		return 0, "", "", errors.New("delay is required")
	}
	delay, err := parseDelay(first)
	if err != nil {
		return 0, "", "", err
	}
	title, body, found := strings.Cut(rest, "|")
	title, body = strings.TrimSpace(title), strings.TrimSpace(body)
	if !found {
		body = title
	}
	if title == "" {
		return 0, "", "", errors.New("title is required")
	}
	if body == "" {
		return 0, "", "", errors.New("body is required")
	}
	return delay, title, body, nil
}

func parseDelay(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("delay must be >= 0, got %d", n)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid delay %q (use seconds or a duration like 90s)", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("delay must be >= 0, got %s", d)
	}
	return d, nil
}
