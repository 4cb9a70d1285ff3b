package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted fields fall back to defaults applied by the app's map* functions.
type Config struct {
	Instance InstanceConfig `json:"instance"`
	Board    BoardConfig    `json:"board"`
	Viewer   ViewerConfig   `json:"viewer"`
	HTTP     HTTPConfig     `json:"http"`
	Store    StoreConfig    `json:"store"`
	Broker   BrokerConfig   `json:"broker"`
	Registry RegistryConfig `json:"registry"`
	Archive  ArchiveConfig  `json:"archive"`
	Logging  LoggingConfig  `json:"logging"`
	Systemd  *SystemdConfig `json:"systemd,omitempty"`
}

// InstanceConfig identifies this process among its siblings.
//
// Name defaults to the hostname (the pod name under Kubernetes).
// The broadcast channel is ChannelPrefix + Name.
type InstanceConfig struct {
	Name          string `json:"name,omitempty"`
	ChannelPrefix string `json:"channel_prefix,omitempty"` // default: "toastboard."
}

// BoardConfig controls the synchronization coordinator.
//
// Defaults:
//   - visible_max: 50
//   - tick: "@every 30s" (cron spec)
//   - gc_every: 10 ticks
//   - reconcile_ticks: 3
//   - publish_timeout: "5s"
//   - relay_rate_per_sec: 50
//   - max_content: 500
//
// spam_allowed is hot-reloadable.
type BoardConfig struct {
	VisibleMax      int    `json:"visible_max,omitempty"`
	SpamAllowed     bool   `json:"spam_allowed,omitempty"`
	Tick            string `json:"tick,omitempty"`
	GCEvery         int    `json:"gc_every,omitempty"`
	ReconcileTicks  int    `json:"reconcile_ticks,omitempty"`
	PublishTimeout  string `json:"publish_timeout,omitempty"`
	RelayRatePerSec int    `json:"relay_rate_per_sec,omitempty"`
	MaxContent      int    `json:"max_content,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
}

// ViewerConfig controls live viewer sessions.
type ViewerConfig struct {
	PollInterval   string `json:"poll_interval,omitempty"`   // default: "1s"
	HeartbeatPolls int    `json:"heartbeat_polls,omitempty"` // default: 15
	MaxPending     int    `json:"max_pending,omitempty"`     // default: 1024
}

// HTTPConfig controls the public HTTP listener.
//
// WriteTimeout defaults to 0 (disabled): stream endpoints are long-lived.
type HTTPConfig struct {
	Addr         string      `json:"addr,omitempty"` // default: ":8080"
	ReadTimeout  string      `json:"read_timeout,omitempty"`
	WriteTimeout string      `json:"write_timeout,omitempty"`
	IdleTimeout  string      `json:"idle_timeout,omitempty"`
	Pprof        PprofConfig `json:"pprof,omitempty"`
}

// PprofConfig mounts net/http/pprof under /debug/pprof/ on the public listener.
//
// Security note: set a token when the listener is reachable from outside.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// StoreConfig selects the durable store.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./toastboard.db" }
type StoreConfig struct {
	Driver      string `json:"driver"` // memory | sqlite | pebble
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	Kind        string `json:"kind,omitempty"`         // default: "toast"
}

// BrokerConfig selects the pub/sub broker used for sibling broadcast.
type BrokerConfig struct {
	Driver string `json:"driver"` // none | memory | kafka | amqp

	// Brokers are Kafka seed brokers.
	Brokers []string `json:"brokers,omitempty"`
	// URL is the AMQP connection URL (do not log, may hold credentials).
	URL string `json:"url,omitempty"`

	PullWait     string `json:"pull_wait,omitempty"`     // default: "10s"
	PullMax      int    `json:"pull_max,omitempty"`      // default: 64
	QueueExpires string `json:"queue_expires,omitempty"` // amqp, default: "10m"
}

// RegistryConfig selects how the active instance set is discovered.
type RegistryConfig struct {
	Driver    string     `json:"driver"` // none | static | kube
	Instances []string   `json:"instances,omitempty"`
	Kube      KubeConfig `json:"kube,omitempty"`
}

type KubeConfig struct {
	APIServer     string `json:"api_server,omitempty"`     // default: https://kubernetes.default.svc
	Namespace     string `json:"namespace,omitempty"`      // default: service-account namespace
	LabelSelector string `json:"label_selector,omitempty"` // default: "name=toastboard"
	TokenPath     string `json:"token_path,omitempty"`
	CAPath        string `json:"ca_path,omitempty"`
	Timeout       string `json:"timeout,omitempty"` // default: "5s"
}

// ArchiveConfig enables the hourly zstd JSONL archive of persisted toasts.
type ArchiveConfig struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir,omitempty"` // default: "./archive"
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // pretty | json
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SystemdConfig controls sd_notify integration.
// If the section is omitted, notify is on (it is a no-op outside systemd).
type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}
