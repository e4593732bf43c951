// Package permission decides whether the app may show notifications.
package permission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	logx "chime/pkg/logx"
)

var ErrPermissionDenied = errors.New("notification permission not granted")

type Status string

const (
	Granted      Status = "granted"
	Denied       Status = "denied"
	Undetermined Status = "undetermined"
)

func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case "":
		return Granted, nil
	case Granted, Denied, Undetermined:
		return s, nil
	default:
		return "", fmt.Errorf("unknown permission status %q", raw)
	}
}

// Gate reports and requests permission to notify.
type Gate interface {
	Status(ctx context.Context) Status
	// Request asks for permission when undetermined and returns the outcome.
	// A decided status is returned unchanged.
	Request(ctx context.Context) Status
}

// Prompter asks the user. It returns Undetermined when nobody answered.
type Prompter func(ctx context.Context) (Status, error)

// Static is a Gate backed by configuration. An undetermined status is
// resolved through the prompter, and the answer sticks until Apply.
type Static struct {
	mu     sync.Mutex
	status Status
	prompt Prompter
	log    logx.Logger
}

var _ Gate = (*Static)(nil)

func NewStatic(status Status, log logx.Logger) *Static {
	if log.IsZero() {
		log = logx.Nop()
	}
	if status == "" {
		status = Granted
	}
	return &Static{status: status, log: log}
}

// Apply replaces the configured status, dropping any prompted answer.
func (g *Static) Apply(status Status) {
	g.mu.Lock()
	prev := g.status
	g.status = status
	g.mu.Unlock()
	if prev != status {
		g.log.Info("permission status changed", logx.String("from", string(prev)), logx.String("to", string(status)))
	}
}

func (g *Static) SetPrompter(p Prompter) {
	g.mu.Lock()
	g.prompt = p
	g.mu.Unlock()
}

func (g *Static) Status(context.Context) Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

func (g *Static) Request(ctx context.Context) Status {
	g.mu.Lock()
	status, prompt := g.status, g.prompt
	g.mu.Unlock()
	if status != Undetermined || prompt == nil {
		return status
	}

	answer, err := prompt(ctx)
	if err != nil {
		g.log.Warn("permission prompt failed", logx.Err(err))
		return Undetermined
	}
	if answer == Undetermined {
		return Undetermined
	}
	g.mu.Lock()
	// Apply may have decided meanwhile; config wins.
	if g.status == Undetermined {
		g.status = answer
	}
	status = g.status
	g.mu.Unlock()
	g.log.Info("permission answered", logx.String("status", string(status)))
	return status
}

// Require returns nil when notifications are allowed, requesting permission
// first if the gate is undetermined.
func Require(ctx context.Context, g Gate) error {
	if g == nil {
		return nil
	}
	st := g.Status(ctx)
	if st == Undetermined {
		st = g.Request(ctx)
	}
	if st != Granted {
		return fmt.Errorf("%w (status %s)", ErrPermissionDenied, st)
	}
	return nil
}
