package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ggoodman/bayeux-server-go/longpoll"
	"github.com/ggoodman/bayeux-server-go/sessions"
)

func mustLoad(t *testing.T, path string) Config {
	t.Helper()
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return c
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDefaults(t *testing.T) {
	c := mustLoad(t, "")
	want := Config{
		Timeout:              30 * time.Second,
		MaxInterval:          10 * time.Second,
		InactiveInterval:     30 * time.Minute,
		MaxQueue:             -1,
		MaxLazyTimeout:       5 * time.Second,
		AutoBatch:            true,
		TrustClientSession:   true,
		BroadcastToPublisher: true,
		HeartbeatInterval:    time.Minute,
		SweepPeriod:          time.Second,
		Path:                 "/cometd",
		Addr:                 ":8080",
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Fatalf("defaults (-want +got):\n%s", diff)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BAYEUX_TIMEOUT", "5s")
	t.Setenv("BAYEUX_MAX_QUEUE", "100")
	t.Setenv("BAYEUX_TRUST_CLIENT_SESSION", "false")
	t.Setenv("BAYEUX_REDIS_ADDR", "localhost:6379")

	c := mustLoad(t, "")
	if c.Timeout != 5*time.Second || c.MaxQueue != 100 || c.TrustClientSession || c.RedisAddr != "localhost:6379" {
		t.Fatalf("config = %+v", c)
	}
}

func TestFileOverlay(t *testing.T) {
	t.Setenv("BAYEUX_INTERVAL", "2s")
	path := filepath.Join(t.TempDir(), "bayeux.yaml")
	writeFile(t, path, "timeout: 45s\nmeta_connect_delivery_only: true\npath: /bayeux\n")

	c := mustLoad(t, path)
	if c.Timeout != 45*time.Second || !c.MetaConnectDeliveryOnly || c.Path != "/bayeux" {
		t.Fatalf("file values not applied: %+v", c)
	}
	if c.Interval != 2*time.Second {
		t.Fatalf("env value lost: interval = %v", c.Interval)
	}
	if c.MaxInterval != 10*time.Second {
		t.Fatalf("default lost: max_interval = %v", c.MaxInterval)
	}
}

func TestEmptyFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	writeFile(t, path, "")
	if c := mustLoad(t, path); c.Timeout != 30*time.Second {
		t.Fatalf("timeout = %v", c.Timeout)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"negative timeout":  func(c *Config) { c.Timeout = -time.Second },
		"zero max interval": func(c *Config) { c.MaxInterval = 0 },
		"zero sweep":        func(c *Config) { c.SweepPeriod = 0 },
		"relative path":     func(c *Config) { c.Path = "cometd" },
		"no addr":           func(c *Config) { c.Addr = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := mustLoad(t, "")
			mutate(&c)
			if err := c.Validate(); !errors.Is(err, ErrInvalid) {
				t.Fatalf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "timeout: [not, a, duration]\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestConversions(t *testing.T) {
	c := mustLoad(t, "")
	c.MaxServerInterval = time.Minute

	if diff := cmp.Diff(sessions.Defaults{
		Timeout:              30 * time.Second,
		MaxInterval:          10 * time.Second,
		MaxServerInterval:    time.Minute,
		InactiveInterval:     30 * time.Minute,
		MaxLazyTimeout:       5 * time.Second,
		MaxQueue:             -1,
		BroadcastToPublisher: true,
	}, c.SessionDefaults()); diff != "" {
		t.Fatalf("session defaults (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(longpoll.DefaultSettings(), c.TransportSettings()); diff != "" {
		t.Fatalf("transport settings (-want +got):\n%s", diff)
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bayeux.yaml")
	writeFile(t, path, "timeout: 10s\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(c Config) {
			select {
			case got <- c:
			default:
			}
		})
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		// Rewrite until the watcher, which starts asynchronously, sees it.
		writeFile(t, path, "timeout: 20s\n")
		select {
		case c := <-got:
			// A truncate can surface as an empty file first.
			if c.Timeout != 20*time.Second {
				continue
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("watch: %v", err)
			}
			return
		case <-deadline:
			t.Fatalf("no reload observed")
		case <-tick.C:
		}
	}
}
