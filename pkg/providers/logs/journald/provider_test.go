package journald

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"testing"
	"time"
)

func newTestProvider(script string) *Provider {
	p := New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	p.command = func(ctx context.Context, unit string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script, "journal", unit)
	}
	return p
}

func TestSubscribeStreamsUnitJournal(t *testing.T) {
	p := newTestProvider(`printf 'ready on %s\r\nGET / 200\n' "$1"`)
	p.Add("systemd:shop:devserver", "shop-dev.service")

	ch, err := p.Subscribe(context.Background(), "systemd:shop:devserver")
	if err != nil {
		t.Fatal(err)
	}

	var got []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case l, ok := <-ch:
			if !ok {
				want := []string{"ready on shop-dev.service", "GET / 200"}
				if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
					t.Errorf("lines = %q, want %q", got, want)
				}
				return
			}
			if l.SourceTag != "devserver" {
				t.Errorf("source = %q", l.SourceTag)
			}
			got = append(got, l.Text)
		case <-timeout:
			t.Fatal("journal stream never ended")
		}
	}
}

func TestSubscribeUnknownProcess(t *testing.T) {
	p := newTestProvider("true")
	if _, err := p.Subscribe(context.Background(), "systemd:shop:agent"); err == nil {
		t.Error("expected error for unregistered process")
	}
	if _, err := p.Subscribe(context.Background(), "bogus"); err == nil {
		t.Error("expected error for malformed id")
	}
}

func TestUnsubscribeStopsFollower(t *testing.T) {
	p := newTestProvider("echo first; exec sleep 30")
	p.Add("systemd:shop:devserver", "shop-dev.service")

	ch, err := p.Subscribe(context.Background(), "systemd:shop:devserver")
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("no first line")
	}
	if err := p.Unsubscribe("systemd:shop:devserver"); err != nil {
		t.Fatal(err)
	}
	select {
	case _, ok := <-ch:
		for ok {
			_, ok = <-ch
		}
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}
