package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"toastboard/internal/config"
	"toastboard/internal/eventbus"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*config.Config) {}},
		{name: "bad level", mutate: func(c *config.Config) { c.Logging.Level = "loud" }, wantErr: "logging.level"},
		{name: "unknown store", mutate: func(c *config.Config) { c.Store.Driver = "redis" }, wantErr: "store.driver"},
		{name: "sqlite without path", mutate: func(c *config.Config) { c.Store.Driver = "sqlite" }, wantErr: "store.path"},
		{name: "kafka without brokers", mutate: func(c *config.Config) { c.Broker.Driver = "kafka" }, wantErr: "broker.brokers"},
		{name: "amqp without url", mutate: func(c *config.Config) { c.Broker.Driver = "amqp" }, wantErr: "broker.url"},
		{name: "static without instances", mutate: func(c *config.Config) { c.Registry.Driver = "static" }, wantErr: "registry.instances"},
		{name: "bad poll interval", mutate: func(c *config.Config) { c.Viewer.PollInterval = "often" }, wantErr: "viewer.poll_interval"},
		{name: "bad tick", mutate: func(c *config.Config) { c.Board.Tick = "whenever" }, wantErr: "board.tick"},
		{name: "bad timezone", mutate: func(c *config.Config) { c.Board.Timezone = "Mars/Olympus" }, wantErr: "board.timezone"},
		{name: "negative visible max", mutate: func(c *config.Config) { c.Board.VisibleMax = -1 }, wantErr: "board.visible_max"},
		{
			name:    "pprof without token",
			mutate:  func(c *config.Config) { c.HTTP.Pprof.Enabled = true },
			wantErr: "http.pprof.token",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{Instance: config.InstanceConfig{Name: "a"}}
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate = %v, want error mentioning %q", err, tc.wantErr)
			}
		})
	}
}

func TestMapBoardConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	bc, err := mapBoardConfig(cfg, "pod-1")
	if err != nil {
		t.Fatalf("mapBoardConfig: %v", err)
	}
	if bc.Instance != "pod-1" || bc.RelayRatePerSec != defaultRelayRate || bc.PollInterval != time.Second {
		t.Fatalf("board config = %+v", bc)
	}

	tick, loc, err := tickSchedule(cfg)
	if err != nil {
		t.Fatalf("tickSchedule: %v", err)
	}
	if tick != defaultTick || loc != time.UTC {
		t.Fatalf("tick = %q loc = %v, want %q UTC", tick, loc, defaultTick)
	}

	bk, err := mapBrokerConfig(cfg, "pod-1")
	if err != nil {
		t.Fatalf("mapBrokerConfig: %v", err)
	}
	if bk.ClientID != "toastboard-pod-1" || bk.PullWait <= 0 {
		t.Fatalf("broker config = %+v", bk)
	}

	if notify, wd := systemdNotify(cfg); !notify || !wd {
		t.Fatalf("systemd = %v/%v, want on when section omitted", notify, wd)
	}
	cfg.Systemd = &config.SystemdConfig{Notify: false, Watchdog: true}
	if notify, wd := systemdNotify(cfg); notify || wd {
		t.Fatalf("systemd = %v/%v, want watchdog off without notify", notify, wd)
	}
}

func TestAppStartStopAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "toastboard.yaml")
	base := "instance:\n  name: t1\n" +
		"broker:\n  driver: memory\n  pull_wait: 50ms\n" +
		"http:\n  addr: 127.0.0.1:0\n" +
		"systemd:\n  notify: false\n" +
		"logging:\n  level: error\n"
	writeConfig(t, path, base+"board:\n  spam_allowed: false\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := NewApp(ctx, path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "listen loop running", func() bool {
		for _, l := range a.Loops() {
			if l.Name == loopBoardListen && l.Running {
				return true
			}
		}
		return false
	})

	b := a.Board()
	if _, err := b.AddToast(ctx, "hello", "ada", 1); err != nil {
		t.Fatalf("AddToast: %v", err)
	}
	if got, _ := b.AddToast(ctx, "hello", "ada", 1); len(got) != 0 {
		t.Fatalf("duplicate accepted = %v, want none", got)
	}
	waitFor(t, "event counter tally", func() bool {
		n := a.counter.Counts()
		_, seen := a.counter.Last(eventbus.ToastAccepted)
		return n[eventbus.ToastAccepted] == 1 && n[eventbus.ToastRejected] == 1 && seen
	})

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, path, base+"board:\n  spam_allowed: true\n")
	waitFor(t, "spam_allowed hot reload", func() bool { return b.Stats().SpamAllowed })

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("Err = %v, want nil", err)
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.json")
	writeConfig(t, path, `{"instance":{"name":"x"},"store":{"driver":"sqlite"}}`)
	if _, err := NewApp(context.Background(), path); err == nil || !strings.Contains(err.Error(), "store.path") {
		t.Fatalf("NewApp err = %v, want store.path error", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
