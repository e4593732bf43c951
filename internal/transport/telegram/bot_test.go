package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"chime/internal/notification"
	"chime/internal/permission"
	kit "chime/internal/transport"
	"chime/internal/transport/telegram/router"
	logx "chime/pkg/logx"
)

type outMsg struct {
	to      kit.ChatTarget
	ref     kit.MessageRef
	text    string
	buttons [][]kit.Button
	edit    bool
}

type fakeAdapter struct {
	mu   sync.Mutex
	seq  int
	out  chan outMsg
	fail error
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{out: make(chan outMsg, 32)} }

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	if f.fail != nil {
		f.mu.Unlock()
		return kit.MessageRef{}, f.fail
	}
	f.seq++
	ref := kit.MessageRef{ChatID: to.ChatID, MessageID: f.seq}
	f.mu.Unlock()
	m := outMsg{to: to, ref: ref, text: text}
	if opt != nil {
		m.buttons = opt.Buttons
	}
	f.out <- m
	return ref, nil
}

func (f *fakeAdapter) EditText(_ context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	m := outMsg{ref: ref, text: text, edit: true}
	if opt != nil {
		m.buttons = opt.Buttons
	}
	f.out <- m
	return nil
}

func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeAdapter) next(t *testing.T) outMsg {
	t.Helper()
	select {
	case m := <-f.out:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an outgoing message")
		return outMsg{}
	}
}

// fakeService wires the real scheduler and gate the way the app does.
type fakeService struct {
	sched *notification.Scheduler
	gate  *permission.Static
}

func (s *fakeService) Notify(ctx context.Context, title, body string, delay time.Duration) (string, error) {
	if err := permission.Require(ctx, s.gate); err != nil {
		return "", err
	}
	return s.sched.Schedule(title, body, delay)
}

func (s *fakeService) NotifyDemo(ctx context.Context) (string, time.Duration, error) {
	id, err := s.Notify(ctx, "You've got a new message!", "Check your inbox.", 10*time.Second)
	return id, 10 * time.Second, err
}

func (s *fakeService) Cancel(id string) error                        { return s.sched.Cancel(id) }
func (s *fakeService) Acknowledge(id string) error                   { return s.sched.Acknowledge(id) }
func (s *fakeService) Get(id string) (notification.Record, bool)     { return s.sched.Get(id) }
func (s *fakeService) Fired() []notification.Record                  { return s.sched.ListFired() }
func (s *fakeService) History() []notification.Record                { return s.sched.History() }
func (s *fakeService) PermissionStatus(ctx context.Context) permission.Status { return s.gate.Status(ctx) }
func (s *fakeService) RequestPermission(ctx context.Context) permission.Status {
	return s.gate.Request(ctx)
}

func (s *fakeService) Pending() []notification.Record {
	var out []notification.Record
	for r := range s.sched.ListPending() {
		out = append(out, r)
	}
	return out
}

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

type harness struct {
	bot     *Bot
	ad      *fakeAdapter
	svc     *fakeService
	clock   *notification.ManualClock
	updates chan<- kit.Update
}

func newHarness(t *testing.T, status permission.Status) *harness {
	t.Helper()
	ad := newFakeAdapter()
	clock := notification.NewManualClock(t0)
	sched := notification.New(notification.WithClock(clock))
	t.Cleanup(sched.Close)
	gate := permission.NewStatic(status, logx.Nop())

	bot := New(Config{ChatID: 99, Location: time.UTC, PromptTimeout: 2 * time.Second}, ad, logx.Nop())
	gate.SetPrompter(bot.Prompt)
	svc := &fakeService{sched: sched, gate: gate}
	bot.Bind(svc)

	r := router.New(logx.Nop(), ad, 4)
	ctx, cancel := context.WithCancel(context.Background())
	r.SetRegistry(ctx, bot.Commands(), bot.Callbacks())
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		_ = r.DispatchLoop(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{bot: bot, ad: ad, svc: svc, clock: clock, updates: updates}
}

func (h *harness) send(text string) {
	h.updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 99, FromID: 1, Text: text}}
}

func (h *harness) press(data string, messageID int) {
	h.updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb", ChatID: 99, MessageID: messageID, Data: data}}
}

func TestParseScheduleArgs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in          string
		delay       time.Duration
		title, body string
		wantErr     bool
	}{
		{in: "10 You've got a new message! | Check your inbox.", delay: 10 * time.Second, title: "You've got a new message!", body: "Check your inbox."},
		{in: "1m30s Tea|Steeping done", delay: 90 * time.Second, title: "Tea", body: "Steeping done"},
		{in: "0 Ping", delay: 0, title: "Ping", body: "Ping"},
		{in: "", wantErr: true},
		{in: "soon Tea | x", wantErr: true},
		{in: "-5 Tea | x", wantErr: true},
		{in: "-1s Tea | x", wantErr: true},
		{in: "10", wantErr: true},
		{in: "10 Tea |   ", wantErr: true},
		{in: "10  | body", wantErr: true},
	}
	for _, tt := range tests {
		delay, title, body, err := parseScheduleArgs(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("parseScheduleArgs(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if err == nil && (delay != tt.delay || title != tt.title || body != tt.body) {
			t.Fatalf("parseScheduleArgs(%q) = %v, %q, %q", tt.in, delay, title, body)
		}
	}
}

func TestHumanDelay(t *testing.T) {
	t.Parallel()
	tests := map[time.Duration]string{
		10 * time.Second:       "10 seconds",
		time.Second:            "1 second",
		0:                      "0 seconds",
		1500 * time.Millisecond: "1.5s",
		2 * time.Hour:          "2h0m0s",
	}
	for in, want := range tests {
		if got := humanDelay(in); got != want {
			t.Fatalf("humanDelay(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestDeliverAndAcknowledgeEditMessage(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	bot := New(Config{ChatID: 7, Location: time.UTC}, ad, logx.Nop())
	r := notification.Record{ID: "n1", Title: "Hi <there>", Body: "body & more"}

	if err := bot.Deliver(context.Background(), r); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	m := ad.next(t)
	if m.to.ChatID != 7 || !strings.Contains(m.text, "Hi &lt;there&gt;") {
		t.Fatalf("delivered = %+v", m)
	}
	if len(m.buttons) != 1 || m.buttons[0][0].Text != "Open" || m.buttons[0][0].Data != "ack:n1" {
		t.Fatalf("buttons = %+v", m.buttons)
	}

	r.State, r.AckedAt = notification.StateAcknowledged, t0
	if err := bot.Acknowledged(context.Background(), r); err != nil {
		t.Fatalf("Acknowledged() error = %v", err)
	}
	e := ad.next(t)
	if !e.edit || e.ref != m.ref || len(e.buttons) != 0 || !strings.Contains(e.text, "opened 03:04:05") {
		t.Fatalf("edit = %+v", e)
	}
	// A second acknowledgment has nothing left to edit.
	if err := bot.Acknowledged(context.Background(), r); err != nil {
		t.Fatalf("Acknowledged() again error = %v", err)
	}
	select {
	case extra := <-ad.out:
		t.Fatalf("unexpected message %+v", extra)
	default:
	}
}

func TestDeliverWithoutChat(t *testing.T) {
	t.Parallel()
	bot := New(Config{}, newFakeAdapter(), logx.Nop())
	if err := bot.Deliver(context.Background(), notification.Record{ID: "x"}); !errors.Is(err, ErrNoChat) {
		t.Fatalf("Deliver() error = %v, want ErrNoChat", err)
	}
	if err := bot.SendLog(context.Background(), "line"); !errors.Is(err, ErrNoChat) {
		t.Fatalf("SendLog() error = %v, want ErrNoChat", err)
	}
	if st, err := bot.Prompt(context.Background()); st != permission.Undetermined || err == nil {
		t.Fatalf("Prompt() = %v, %v", st, err)
	}
}

func TestTrackedMessagesAreBounded(t *testing.T) {
	t.Parallel()
	bot := New(Config{ChatID: 1}, newFakeAdapter(), logx.Nop())
	for i := range maxTrackedMessages + 10 {
		bot.remember(string(rune('a'+i%26))+strings.Repeat("x", i), kit.MessageRef{MessageID: i})
	}
	if len(bot.refs) != maxTrackedMessages || len(bot.refOrder) != maxTrackedMessages {
		t.Fatalf("tracked = %d/%d, want %d", len(bot.refs), len(bot.refOrder), maxTrackedMessages)
	}
	if _, ok := bot.forget("a"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
}

func TestNotifyCommandSchedulesDemo(t *testing.T) {
	t.Parallel()
	h := newHarness(t, permission.Granted)

	h.send("/notify")
	m := h.ad.next(t)
	if !strings.Contains(m.text, "Notification Scheduled") || !strings.Contains(m.text, "You will receive it in 10 seconds.") {
		t.Fatalf("reply = %q", m.text)
	}
	pending := h.svc.Pending()
	if len(pending) != 1 || pending[0].Title != "You've got a new message!" || !pending[0].FireAt.Equal(t0.Add(10*time.Second)) {
		t.Fatalf("pending = %+v", pending)
	}

	h.send("/pending")
	if m := h.ad.next(t); !strings.Contains(m.text, pending[0].ID) || !strings.Contains(m.text, "Pending</b> (1)") {
		t.Fatalf("/pending reply = %q", m.text)
	}
}

func TestScheduleCommandDeniedWithoutPermission(t *testing.T) {
	t.Parallel()
	h := newHarness(t, permission.Denied)

	h.send("/schedule 5 Tea | Steeping done")
	if m := h.ad.next(t); !strings.Contains(m.text, "Permissions Needed") {
		t.Fatalf("reply = %q", m.text)
	}
	if n := len(h.svc.Pending()); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}

	h.send("/schedule nope")
	if m := h.ad.next(t); !strings.HasPrefix(m.text, "usage: /schedule") {
		t.Fatalf("reply = %q", m.text)
	}
}

func TestUndeterminedPermissionPromptsInChat(t *testing.T) {
	t.Parallel()
	h := newHarness(t, permission.Undetermined)

	h.send("/schedule 5 Tea | Steeping done")
	prompt := h.ad.next(t)
	if !strings.Contains(prompt.text, "Permissions Needed") || len(prompt.buttons) != 1 || len(prompt.buttons[0]) != 2 {
		t.Fatalf("prompt = %+v", prompt)
	}
	h.press(prompt.buttons[0][0].Data, prompt.ref.MessageID)

	// The prompt edit and the schedule reply race; collect both.
	var scheduled, edited bool
	for range 2 {
		m := h.ad.next(t)
		switch {
		case m.edit && strings.Contains(m.text, "granted"):
			edited = true
		case strings.Contains(m.text, "Notification Scheduled"):
			scheduled = true
		}
	}
	if !scheduled || !edited {
		t.Fatalf("scheduled = %v, edited = %v", scheduled, edited)
	}
	if st := h.svc.PermissionStatus(context.Background()); st != permission.Granted {
		t.Fatalf("status = %v, want granted", st)
	}

	h.press("perm:allow", 1)
	if m := h.ad.next(t); !strings.Contains(m.text, "no permission request") {
		t.Fatalf("stray answer reply = %q", m.text)
	}
}

func TestOpenButtonAcknowledgesAndShowsNotification(t *testing.T) {
	t.Parallel()
	h := newHarness(t, permission.Granted)
	h.svc.sched.AddListener(notification.ListenerFuncs{Fired: func(r notification.Record) {
		_ = h.bot.Deliver(context.Background(), r)
	}})

	id, err := h.svc.Notify(context.Background(), "Tea", "Steeping done", time.Second)
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	h.clock.Advance(time.Second)
	delivered := h.ad.next(t)
	if delivered.buttons[0][0].Data != "ack:"+id {
		t.Fatalf("delivered = %+v", delivered)
	}

	h.press("ack:"+id, delivered.ref.MessageID)
	if m := h.ad.next(t); !strings.Contains(m.text, "Notification Clicked") || !strings.Contains(m.text, "Steeping done") {
		t.Fatalf("click reply = %q", m.text)
	}
	if _, ok := h.svc.Get(id); ok {
		t.Fatal("acknowledged record still active")
	}
	var acked bool
	for _, r := range h.svc.History() {
		if r.ID == id && r.State == notification.StateAcknowledged {
			acked = true
		}
	}
	if !acked {
		t.Fatalf("history = %+v, want %s acknowledged", h.svc.History(), id)
	}

	h.press("ack:"+id, delivered.ref.MessageID)

	h.send("/cancel " + id)
	if m := h.ad.next(t); !strings.HasPrefix(m.text, "nothing to do") {
		t.Fatalf("/cancel reply = %q", m.text)
	}
	h.send("/history")
	if m := h.ad.next(t); !strings.Contains(m.text, id) || !strings.Contains(m.text, "acknowledged") {
		t.Fatalf("/history reply = %q", m.text)
	}
}
