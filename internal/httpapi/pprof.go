package httpapi

import (
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/gorilla/mux"

	logx "toastboard/pkg/logx"
)

const pprofPrefix = "/debug/pprof/"

// mountPprof registers the profiling endpoints when enabled. Without a token
// they are only mounted if AllowInsecure is set.
func (s *Server) mountPprof(r *mux.Router) {
	cfg := s.cfg.Pprof
	if !cfg.Enabled {
		return
	}
	tok := strings.TrimSpace(cfg.Token)
	if tok == "" && !cfg.AllowInsecure {
		s.log.Error("pprof not mounted: token required unless allow_insecure is set")
		return
	}
	if tok == "" {
		s.log.Warn("pprof mounted without token (insecure)")
	}

	sub := r.PathPrefix(strings.TrimSuffix(pprofPrefix, "/")).Subrouter()
	sub.Use(func(next http.Handler) http.Handler { return withToken(tok, next) })
	sub.HandleFunc("/cmdline", hpprof.Cmdline)
	sub.HandleFunc("/profile", hpprof.Profile)
	sub.HandleFunc("/symbol", hpprof.Symbol)
	sub.HandleFunc("/trace", hpprof.Trace)
	// Index also serves the named profiles (heap, goroutine, ...).
	sub.PathPrefix("/").HandlerFunc(hpprof.Index)
	s.log.Info("pprof mounted", logx.String("prefix", pprofPrefix), logx.Bool("token_set", tok != ""))
}

// withToken accepts "Authorization: Bearer <token>" or ?token=<token>.
func withToken(token string, h http.Handler) http.Handler {
	if token == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == token {
				h.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == token {
			h.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
