package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"toastboard/internal/board"
	"toastboard/internal/broker"
	"toastboard/internal/config"
	"toastboard/internal/httpapi"
	"toastboard/internal/registry"
	"toastboard/internal/store"
	"toastboard/internal/ticker"
	logx "toastboard/pkg/logx"
)

const (
	defaultTick        = "@every 30s"
	defaultTickTimeout = 25 * time.Second
	defaultRelayRate   = 50
	defaultArchiveDir  = "./archive"
)

// instanceName falls back to the hostname, which is the pod name under
// Kubernetes.
func instanceName(cfg *config.Config) (string, error) {
	if n := strings.TrimSpace(cfg.Instance.Name); n != "" {
		return n, nil
	}
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "", fmt.Errorf("instance.name is empty and hostname is unavailable: %v", err)
	}
	return host, nil
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	sc := cfg.Store
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return store.Config{Driver: "memory", Kind: sc.Kind}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return store.Config{}, fmt.Errorf("store.path is required when store.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("store.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return store.Config{}, err
		}
		return store.Config{Driver: "sqlite", Path: path, BusyTimeout: busy, Kind: sc.Kind}, nil
	case "pebble":
		if path == "" {
			return store.Config{}, fmt.Errorf("store.path is required when store.driver=pebble")
		}
		return store.Config{Driver: "pebble", Path: path, Kind: sc.Kind}, nil
	default:
		return store.Config{}, fmt.Errorf("unknown store.driver: %s", sc.Driver)
	}
}

func mapBrokerConfig(cfg *config.Config, instance string) (broker.Config, error) {
	bc := cfg.Broker
	driver := strings.ToLower(strings.TrimSpace(bc.Driver))
	pullWait, err := config.ParseDurationOrDefault("broker.pull_wait", bc.PullWait, broker.DefaultPullWait)
	if err != nil {
		return broker.Config{}, err
	}
	expires, err := config.ParseDurationOrDefault("broker.queue_expires", bc.QueueExpires, broker.DefaultQueueExpires)
	if err != nil {
		return broker.Config{}, err
	}
	if bc.PullMax < 0 {
		return broker.Config{}, fmt.Errorf("broker.pull_max must be >= 0")
	}
	out := broker.Config{
		Driver:       driver,
		ClientID:     "toastboard-" + instance,
		PullWait:     pullWait,
		PullMax:      bc.PullMax,
		QueueExpires: expires,
	}
	switch driver {
	case "", "none", "memory":
	case "kafka":
		if len(bc.Brokers) == 0 {
			return broker.Config{}, fmt.Errorf("broker.brokers is required when broker.driver=kafka")
		}
		out.Brokers = append([]string(nil), bc.Brokers...)
	case "amqp":
		if strings.TrimSpace(bc.URL) == "" {
			return broker.Config{}, fmt.Errorf("broker.url is required when broker.driver=amqp")
		}
		out.URL = strings.TrimSpace(bc.URL)
	default:
		return broker.Config{}, fmt.Errorf("unknown broker.driver: %s", bc.Driver)
	}
	return out, nil
}

func mapRegistryConfig(cfg *config.Config) (registry.Config, error) {
	rc := cfg.Registry
	driver := strings.ToLower(strings.TrimSpace(rc.Driver))
	switch driver {
	case "", "none":
		return registry.Config{Driver: "none"}, nil
	case "static":
		if len(rc.Instances) == 0 {
			return registry.Config{}, fmt.Errorf("registry.instances is required when registry.driver=static")
		}
		return registry.Config{Driver: "static", Instances: append([]string(nil), rc.Instances...)}, nil
	case "kube", "kubernetes":
		timeout, err := config.ParseDurationOrDefault("registry.kube.timeout", rc.Kube.Timeout, 5*time.Second)
		if err != nil {
			return registry.Config{}, err
		}
		return registry.Config{Driver: "kube", Kube: registry.KubeConfig{
			APIServer:     strings.TrimSpace(rc.Kube.APIServer),
			Namespace:     strings.TrimSpace(rc.Kube.Namespace),
			LabelSelector: strings.TrimSpace(rc.Kube.LabelSelector),
			TokenPath:     strings.TrimSpace(rc.Kube.TokenPath),
			CAPath:        strings.TrimSpace(rc.Kube.CAPath),
			Timeout:       timeout,
		}}, nil
	default:
		return registry.Config{}, fmt.Errorf("unknown registry.driver: %s", rc.Driver)
	}
}

func mapBoardConfig(cfg *config.Config, instance string) (board.Config, error) {
	bc, vc := cfg.Board, cfg.Viewer
	if bc.VisibleMax < 0 {
		return board.Config{}, fmt.Errorf("board.visible_max must be >= 0")
	}
	if bc.GCEvery < 0 {
		return board.Config{}, fmt.Errorf("board.gc_every must be >= 0")
	}
	if bc.RelayRatePerSec < 0 {
		return board.Config{}, fmt.Errorf("board.relay_rate_per_sec must be >= 0")
	}
	if vc.HeartbeatPolls < 0 || vc.MaxPending < 0 {
		return board.Config{}, fmt.Errorf("viewer.heartbeat_polls and viewer.max_pending must be >= 0")
	}
	publish, err := config.ParseDurationOrDefault("board.publish_timeout", bc.PublishTimeout, board.DefaultPublishTimeout)
	if err != nil {
		return board.Config{}, err
	}
	poll, err := config.ParseDurationOrDefault("viewer.poll_interval", vc.PollInterval, board.DefaultPollInterval)
	if err != nil {
		return board.Config{}, err
	}
	rps := bc.RelayRatePerSec
	if rps == 0 {
		rps = defaultRelayRate
	}
	return board.Config{
		Instance:        instance,
		ChannelPrefix:   strings.TrimSpace(cfg.Instance.ChannelPrefix),
		VisibleMax:      bc.VisibleMax,
		SpamAllowed:     bc.SpamAllowed,
		GCEvery:         bc.GCEvery,
		ReconcileTicks:  bc.ReconcileTicks,
		PublishTimeout:  publish,
		RelayRatePerSec: float64(rps),
		PollInterval:    poll,
		HeartbeatPolls:  vc.HeartbeatPolls,
		MaxPending:      vc.MaxPending,
	}, nil
}

// tickSchedule returns the board tick spec and its location.
func tickSchedule(cfg *config.Config) (string, *time.Location, error) {
	raw := strings.TrimSpace(cfg.Board.Tick)
	if raw == "" {
		raw = defaultTick
	}
	if err := ticker.Validate(raw); err != nil {
		return "", nil, fmt.Errorf("board.tick: %w", err)
	}
	loc, err := ticker.LoadLocation(cfg.Board.Timezone)
	if err != nil {
		return "", nil, fmt.Errorf("board.timezone: %w", err)
	}
	return raw, loc, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", hc.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	if cfg.Board.MaxContent < 0 {
		return httpapi.Config{}, fmt.Errorf("board.max_content must be >= 0")
	}
	pp := hc.Pprof
	if pp.Enabled && strings.TrimSpace(pp.Token) == "" && !pp.AllowInsecure {
		return httpapi.Config{}, fmt.Errorf("http.pprof.token is required unless http.pprof.allow_insecure is true")
	}
	return httpapi.Config{
		Addr:         strings.TrimSpace(hc.Addr),
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
		MaxContent:   cfg.Board.MaxContent,
		Pprof: httpapi.PprofConfig{
			Enabled:       pp.Enabled,
			Token:         strings.TrimSpace(pp.Token),
			AllowInsecure: pp.AllowInsecure,
		},
	}, nil
}

func mapArchiveConfig(cfg *config.Config) (string, bool) {
	if !cfg.Archive.Enabled {
		return "", false
	}
	dir := strings.TrimSpace(cfg.Archive.Dir)
	if dir == "" {
		dir = defaultArchiveDir
	}
	return dir, true
}

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		Format:  lc.Format,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
	}
}

// systemdNotify reports whether sd_notify is on; an omitted section means on.
func systemdNotify(cfg *config.Config) (notify, watchdog bool) {
	if cfg.Systemd == nil {
		return true, true
	}
	return cfg.Systemd.Notify, cfg.Systemd.Notify && cfg.Systemd.Watchdog
}

// Validate checks everything the app would map at startup. It is also the
// ConfigManager validator, so a bad hot reload is rejected before commit.
func Validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	instance, err := instanceName(cfg)
	if err != nil {
		return err
	}
	if _, err := mapStoreConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBrokerConfig(cfg, instance); err != nil {
		return err
	}
	if _, err := mapRegistryConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBoardConfig(cfg, instance); err != nil {
		return err
	}
	if _, _, err := tickSchedule(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	return nil
}
