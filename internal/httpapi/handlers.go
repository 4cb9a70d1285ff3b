package httpapi

import (
	_ "embed"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"toastboard/internal/board"
	"toastboard/internal/eventbus"
	"toastboard/internal/runtime/supervisor"
	"toastboard/internal/sanitize"
	"toastboard/internal/toast"
	logx "toastboard/pkg/logx"
)

const (
	headerAuthor   = "X-Toast-Author"
	headerAuthorID = "X-Toast-Author-ID"
)

//go:embed index.html
var indexHTML []byte

// calmVideos is where a spam-filtered form post is sent.
var calmVideos = []string{
	"eCidRemUTKo",
	"tYg6nP7yRRk",
	"txQ6t4yPIM0",
	"EYi5aW1GdUU",
	"d-diB65scQU",
}

// toastView is the JSON shape of a toast on every endpoint.
type toastView struct {
	ID       int64     `json:"id"`
	Author   string    `json:"author"`
	AuthorID int64     `json:"author_id"`
	Content  string    `json:"content"`
	HTML     string    `json:"html"`
	Time     time.Time `json:"time"`
}

func viewOf(t toast.Toast) toastView {
	return toastView{ID: t.ID, Author: t.Author, AuthorID: t.AuthorID, Content: t.Content, HTML: t.Display(), Time: t.Time}
}

type listResponse struct {
	Toasts   []toastView `json:"toasts"`
	LastSeen *int64      `json:"last_seen"`
}

type postRequest struct {
	Content string `json:"content"`
}

type postResponse struct {
	Accepted bool `json:"accepted"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

func (s *Server) listToasts(w http.ResponseWriter, r *http.Request) {
	cached := s.board.Toasts()
	resp := listResponse{Toasts: make([]toastView, 0, len(cached))}
	for _, t := range cached {
		resp.Toasts = append(resp.Toasts, viewOf(t))
	}
	if len(cached) > 0 {
		id := cached[0].ID
		resp.LastSeen = &id
	}
	writeJSON(w, http.StatusOK, resp)
}

// identity reads the poster set by the fronting auth proxy.
func identity(r *http.Request) (string, int64, bool) {
	name := strings.TrimSpace(r.Header.Get(headerAuthor))
	id, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(headerAuthorID)), 10, 64)
	if name == "" || err != nil || id <= 0 {
		return "", 0, false
	}
	return name, id, true
}

func wantsJSON(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return strings.HasPrefix(ct, "application/json") || strings.Contains(r.Header.Get("Accept"), "application/json")
}

// truncate cuts content to max runes and marks the cut.
func truncate(content string, max int) string {
	if utf8.RuneCountInString(content) <= max {
		return content
	}
	runes := []rune(content)
	return string(runes[:max]) + TruncationSuffix
}

func (s *Server) postToast(w http.ResponseWriter, r *http.Request) {
	jsonMode := wantsJSON(r)
	author, authorID, ok := identity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "identity required")
		return
	}

	var content string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req postRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		content = req.Content
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form body")
			return
		}
		content = r.PostForm.Get("content")
	}

	content = strings.TrimSpace(content)
	if content == "" {
		if jsonMode {
			writeError(w, http.StatusBadRequest, "content required")
			return
		}
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	content = truncate(content, s.cfg.MaxContent)

	accepted, err := s.board.AddToast(r.Context(), content, author, authorID)
	if err != nil {
		if errors.Is(err, sanitize.ErrMalformed) {
			writeError(w, http.StatusBadRequest, "malformed content")
			return
		}
		s.log.Error("add toast failed", logx.Int64("author_id", authorID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	posted := false
	for _, id := range accepted {
		if id == authorID {
			posted = true
			break
		}
	}
	switch {
	case jsonMode && posted:
		writeJSON(w, http.StatusOK, postResponse{Accepted: true})
	case jsonMode:
		writeJSON(w, http.StatusTooManyRequests, postResponse{Accepted: false})
	case posted:
		http.Redirect(w, r, "/", http.StatusSeeOther)
	default:
		video := calmVideos[rand.IntN(len(calmVideos))]
		http.Redirect(w, r, "https://www.youtube.com/watch?v="+video, http.StatusSeeOther)
	}
}

// lastSeen reads the viewer cursor from ?last_seen= or the SSE
// Last-Event-ID header. Missing or unparsable values mean "none".
func lastSeen(r *http.Request) int64 {
	raw := r.URL.Query().Get("last_seen")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

type healthResponse struct {
	Status       string                 `json:"status"`
	Uptime       string                 `json:"uptime"`
	Board        board.Stats            `json:"board"`
	Events       map[string]uint64      `json:"events,omitempty"`
	LastAccepted *time.Time             `json:"last_accepted,omitempty"`
	Loops        []supervisor.LoopStats `json:"loops,omitempty"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Uptime: time.Since(s.started).Truncate(time.Second).String(),
		Board:  s.board.Stats(),
	}
	if s.counter != nil {
		resp.Events = s.counter.Counts()
		if at, ok := s.counter.Last(eventbus.ToastAccepted); ok {
			resp.LastAccepted = &at
		}
	}
	if s.loops != nil {
		loops := s.loops.Loops()
		resp.Loops = loops
		for _, l := range loops {
			if !l.Running && l.LastErr != "" && l.Name == "board.listen" {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
