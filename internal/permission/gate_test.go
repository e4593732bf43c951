package permission

import (
	"context"
	"errors"
	"testing"

	logx "chime/pkg/logx"
)

func TestParseStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    Status
		wantErr bool
	}{
		{"", Granted, false},
		{" Denied ", Denied, false},
		{"undetermined", Undetermined, false},
		{"maybe", "", true},
	}
	for _, tt := range tests {
		got, err := ParseStatus(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("ParseStatus(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestRequire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tests := []struct {
		name    string
		status  Status
		prompt  Prompter
		wantErr bool
		after   Status
	}{
		{"granted", Granted, nil, false, Granted},
		{"denied", Denied, nil, true, Denied},
		{"undetermined without prompter", Undetermined, nil, true, Undetermined},
		{"prompt grants", Undetermined, func(context.Context) (Status, error) { return Granted, nil }, false, Granted},
		{"prompt denies", Undetermined, func(context.Context) (Status, error) { return Denied, nil }, true, Denied},
		{"prompt unanswered", Undetermined, func(context.Context) (Status, error) { return Undetermined, nil }, true, Undetermined},
		{"prompt fails", Undetermined, func(context.Context) (Status, error) { return Granted, errors.New("chat down") }, true, Undetermined},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := NewStatic(tt.status, logx.Nop())
			g.SetPrompter(tt.prompt)
			err := Require(ctx, g)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Require() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrPermissionDenied) {
				t.Fatalf("Require() error = %v, want ErrPermissionDenied", err)
			}
			if got := g.Status(ctx); got != tt.after {
				t.Fatalf("Status() after = %q, want %q", got, tt.after)
			}
		})
	}
}

func TestStaticApplyResetsAnswer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := NewStatic(Undetermined, logx.Nop())
	prompts := 0
	g.SetPrompter(func(context.Context) (Status, error) { prompts++; return Granted, nil })

	if st := g.Request(ctx); st != Granted {
		t.Fatalf("Request() = %q, want granted", st)
	}
	if st := g.Request(ctx); st != Granted || prompts != 1 {
		t.Fatalf("second Request() = %q after %d prompts, want cached answer", st, prompts)
	}
	g.Apply(Denied)
	if err := Require(ctx, g); err == nil {
		t.Fatal("Require() after Apply(denied) error = nil")
	}
	if prompts != 1 {
		t.Fatalf("prompts = %d, a decided status must not prompt", prompts)
	}
	if Require(ctx, nil) != nil {
		t.Fatal("Require(nil gate) should allow")
	}
}
