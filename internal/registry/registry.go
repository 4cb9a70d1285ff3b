// Package registry reports which sibling instances are alive.
//
// An "unknown" answer means the deployment is not clustered (or discovery is
// down); callers then fall back to single-instance behavior.
package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	logx "toastboard/pkg/logx"
)

// Registry lists active instance names.
type Registry interface {
	// Active returns the active instances. known is false when the set
	// cannot be determined.
	Active(ctx context.Context) (instances []string, known bool)
}

// Config configures instance discovery.
//
// Driver values:
//   - "none" or "": always unknown
//   - "static": Instances, always known
//   - "kube": Kubernetes pods matching a label selector
type Config struct {
	Driver    string
	Instances []string
	Kube      KubeConfig
}

// Open initializes the configured registry.
func Open(cfg Config, log logx.Logger) (Registry, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return None{}, nil
	case "static":
		return NewStatic(cfg.Instances...), nil
	case "kube", "kubernetes":
		return NewKube(cfg.Kube, log.With(logx.String("driver", "kube")))
	default:
		return nil, errors.New("unknown registry driver: " + cfg.Driver)
	}
}

// None never knows the instance set.
type None struct{}

func (None) Active(context.Context) ([]string, bool) { return nil, false }

// Static is a fixed instance set.
type Static struct {
	names []string
}

func NewStatic(names ...string) *Static {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return &Static{names: out}
}

func (s *Static) Active(context.Context) ([]string, bool) {
	return append([]string(nil), s.names...), true
}

const defaultKubeTimeout = 5 * time.Second
