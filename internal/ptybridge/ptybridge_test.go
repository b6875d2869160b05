package ptybridge

import (
	"os/exec"
	"testing"
)

type fakeResolver struct {
	panes map[string]string
	alive map[string]bool
}

func (f fakeResolver) PaneID(sessionID string) (string, bool) {
	p, ok := f.panes[sessionID]
	return p, ok
}
func (f fakeResolver) IsPaneAlive(paneID string) bool { return f.alive[paneID] }

type fakeAdapter struct{}

func (fakeAdapter) SelectPane(paneID string) error { return nil }
func (fakeAdapter) AttachCommand(paneID string) (*exec.Cmd, error) {
	return exec.Command("true"), nil
}

type fakeSink struct{}

func (fakeSink) OnPTYData(connectionID string, data []byte) {}
func (fakeSink) OnPTYExit(connectionID string)               {}

func TestAttachUnknownSession(t *testing.T) {
	b := New(fakeResolver{panes: map[string]string{}}, fakeAdapter{}, fakeSink{}, nil)
	if _, _, err := b.Attach("c1", "missing", AttachOptions{}); err != ErrSessionNotFound {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestAttachPlaceholderPaneID(t *testing.T) {
	resolver := fakeResolver{panes: map[string]string{"s1": "external-placeholder"}, alive: map[string]bool{"external-placeholder": true}}
	b := New(resolver, fakeAdapter{}, fakeSink{}, nil)
	if _, _, err := b.Attach("c1", "s1", AttachOptions{}); err != ErrInvalidPane {
		t.Fatalf("err = %v, want ErrInvalidPane", err)
	}
}

func TestWriteWithoutAttachment(t *testing.T) {
	b := New(fakeResolver{}, fakeAdapter{}, fakeSink{}, nil)
	if err := b.Write("nope", []byte("x")); err != ErrPtyNotAttached {
		t.Fatalf("err = %v, want ErrPtyNotAttached", err)
	}
}

func TestDetachWithoutAttachment(t *testing.T) {
	b := New(fakeResolver{}, fakeAdapter{}, fakeSink{}, nil)
	if err := b.Detach("nope"); err != ErrPtyNotAttached {
		t.Fatalf("err = %v, want ErrPtyNotAttached", err)
	}
}

func TestIsAttachedFalseInitially(t *testing.T) {
	b := New(fakeResolver{}, fakeAdapter{}, fakeSink{}, nil)
	if b.IsAttached("c1") {
		t.Fatal("expected not attached")
	}
}
