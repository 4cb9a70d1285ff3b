package registry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	logx "toastboard/pkg/logx"
)

const (
	serviceAccountDir    = "/var/run/secrets/kubernetes.io/serviceaccount"
	defaultLabelSelector = "name=toastboard"
)

// KubeConfig configures pod discovery. Empty fields use the in-cluster
// service account.
type KubeConfig struct {
	APIServer     string
	Namespace     string
	LabelSelector string
	TokenPath     string
	CAPath        string
	Timeout       time.Duration

	// Client overrides the HTTP client (tests).
	Client *http.Client
}

// Kube lists pods through the Kubernetes API. Pod names are instance names.
type Kube struct {
	cfg    KubeConfig
	client *http.Client
	log    logx.Logger
}

func NewKube(cfg KubeConfig, log logx.Logger) (*Kube, error) {
	if cfg.APIServer == "" {
		host, port := os.Getenv("KUBERNETES_SERVICE_HOST"), os.Getenv("KUBERNETES_SERVICE_PORT")
		if host != "" {
			if port == "" {
				port = "443"
			}
			cfg.APIServer = "https://" + net.JoinHostPort(host, port)
		} else {
			cfg.APIServer = "https://kubernetes.default.svc"
		}
	}
	cfg.APIServer = strings.TrimRight(cfg.APIServer, "/")
	if cfg.TokenPath == "" {
		cfg.TokenPath = serviceAccountDir + "/token"
	}
	if cfg.CAPath == "" {
		cfg.CAPath = serviceAccountDir + "/ca.crt"
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
		if b, err := os.ReadFile(serviceAccountDir + "/namespace"); err == nil && len(strings.TrimSpace(string(b))) > 0 {
			cfg.Namespace = strings.TrimSpace(string(b))
		}
	}
	if cfg.LabelSelector == "" {
		cfg.LabelSelector = defaultLabelSelector
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultKubeTimeout
	}

	client := cfg.Client
	if client == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if pem, err := os.ReadFile(cfg.CAPath); err == nil {
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("kube: parse ca %s", cfg.CAPath)
			}
			tr.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}
		}
		client = &http.Client{Transport: tr}
	}
	return &Kube{cfg: cfg, client: client, log: log}, nil
}

type podList struct {
	Items []struct {
		Metadata struct {
			Name              string     `json:"name"`
			DeletionTimestamp *time.Time `json:"deletionTimestamp"`
		} `json:"metadata"`
		Status struct {
			Phase string `json:"phase"`
		} `json:"status"`
	} `json:"items"`
}

// Active lists pods that are neither finished nor being deleted.
// Any failure is logged and reported as unknown.
func (k *Kube) Active(ctx context.Context) ([]string, bool) {
	names, err := k.list(ctx)
	if err != nil {
		k.log.Warn("kube pod listing failed", logx.Err(err))
		return nil, false
	}
	return names, true
}

func (k *Kube) list(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, k.cfg.Timeout)
	defer cancel()

	u := fmt.Sprintf("%s/api/v1/namespaces/%s/pods?labelSelector=%s",
		k.cfg.APIServer, url.PathEscape(k.cfg.Namespace), url.QueryEscape(k.cfg.LabelSelector))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	// Re-read each time: projected service account tokens rotate.
	if tok, err := os.ReadFile(k.cfg.TokenPath); err == nil {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(string(tok)))
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kube: list pods: %s", resp.Status)
	}

	var pl podList
	if err := json.NewDecoder(resp.Body).Decode(&pl); err != nil {
		return nil, fmt.Errorf("kube: decode pods: %w", err)
	}
	out := make([]string, 0, len(pl.Items))
	for _, p := range pl.Items {
		if p.Metadata.DeletionTimestamp != nil {
			continue
		}
		if p.Status.Phase == "Succeeded" || p.Status.Phase == "Failed" {
			continue
		}
		out = append(out, p.Metadata.Name)
	}
	sort.Strings(out)
	return out, nil
}
