package config

import (
	"reflect"
	"sort"
	"strings"

	logx "toastboard/pkg/logx"
)

// HotSections are applied without a restart.
var HotSections = map[string]bool{
	"logging":            true,
	"board.spam_allowed": true,
}

// SummarizeConfigChange returns the changed sections (sorted) and safe
// structured fields for the reload log line. Secrets (pprof token, broker URL)
// are only reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Instance != newCfg.Instance {
		changed = append(changed, "instance")
		attrs = append(attrs,
			logx.String("instance.name", newCfg.Instance.Name),
			logx.String("instance.channel_prefix", newCfg.Instance.ChannelPrefix),
		)
	}

	// spam_allowed is reported on its own: it is the only hot board field.
	oBoard, nBoard := oldCfg.Board, newCfg.Board
	if oBoard.SpamAllowed != nBoard.SpamAllowed {
		changed = append(changed, "board.spam_allowed")
		attrs = append(attrs, logx.Bool("board.spam_allowed", nBoard.SpamAllowed))
	}
	oBoard.SpamAllowed, nBoard.SpamAllowed = false, false
	if oBoard != nBoard {
		changed = append(changed, "board")
		attrs = append(attrs,
			logx.Int("board.visible_max", nBoard.VisibleMax),
			logx.String("board.tick", strings.TrimSpace(nBoard.Tick)),
		)
	}

	if oldCfg.Viewer != newCfg.Viewer {
		changed = append(changed, "viewer")
		attrs = append(attrs,
			logx.String("viewer.poll_interval", newCfg.Viewer.PollInterval),
			logx.Int("viewer.heartbeat_polls", newCfg.Viewer.HeartbeatPolls),
		)
	}

	if httpChanged(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.pprof.enabled", newCfg.HTTP.Pprof.Enabled),
			logx.Bool("http.pprof.token_set", strings.TrimSpace(newCfg.HTTP.Pprof.Token) != ""),
		)
	}

	if oldCfg.Store != newCfg.Store {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", strings.TrimSpace(newCfg.Store.Driver)),
			logx.Bool("store.path_set", strings.TrimSpace(newCfg.Store.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Broker, newCfg.Broker) {
		changed = append(changed, "broker")
		attrs = append(attrs,
			logx.String("broker.driver", strings.TrimSpace(newCfg.Broker.Driver)),
			logx.Int("broker.brokers", len(newCfg.Broker.Brokers)),
			logx.Bool("broker.url_set", strings.TrimSpace(newCfg.Broker.URL) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Registry, newCfg.Registry) {
		changed = append(changed, "registry")
		attrs = append(attrs,
			logx.String("registry.driver", strings.TrimSpace(newCfg.Registry.Driver)),
			logx.Int("registry.instances", len(newCfg.Registry.Instances)),
		)
	}

	if oldCfg.Archive != newCfg.Archive {
		changed = append(changed, "archive")
		attrs = append(attrs, logx.Bool("archive.enabled", newCfg.Archive.Enabled))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Systemd, newCfg.Systemd) {
		changed = append(changed, "systemd")
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports which of the changed sections cannot be hot-applied.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !HotSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func httpChanged(o, n HTTPConfig) bool {
	oTok, nTok := strings.TrimSpace(o.Pprof.Token), strings.TrimSpace(n.Pprof.Token)
	o.Pprof.Token, n.Pprof.Token = "", ""
	return o != n || oTok != nTok
}
