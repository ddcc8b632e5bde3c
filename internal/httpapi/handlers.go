package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/amonhq/amon/internal/amonerr"
	"github.com/amonhq/amon/internal/amonid"
	"github.com/amonhq/amon/internal/eventlog"
	"github.com/amonhq/amon/internal/graph"
	"github.com/amonhq/amon/internal/model"
	"github.com/amonhq/amon/internal/streambroker"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses: validation problems
// are 400, policy denials 403, unknown projects and runs 404, everything
// else 500.
func writeError(w http.ResponseWriter, err error) {
	code := "INTERNAL"
	status := http.StatusInternalServerError
	if kind, ok := amonerr.KindOf(err); ok {
		code = string(kind)
		switch kind {
		case amonerr.MissingChatID, amonerr.ConfigInvalid, amonerr.ProtocolError:
			status = http.StatusBadRequest
		case amonerr.PathNotAllowed, amonerr.ToolDenied:
			status = http.StatusForbidden
		}
	}
	var ae *amonerr.Error
	if errors.As(err, &ae) && (ae.Reason == "PROJECT_NOT_FOUND" || ae.Reason == "RUN_NOT_FOUND") {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]any{"error_code": code, "message": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return amonerr.Wrap(amonerr.ProtocolError, "BAD_BODY", "request body", err)
	}
	return nil
}

// --- projects ---------------------------------------------------------------

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.opts.Projects.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProjectID string `json:"project_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.opts.Projects.Create(body.ProjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// --- chat sessions ----------------------------------------------------------

func (s *Server) ensureSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProjectID string `json:"project_id"`
		ChatID    string `json:"chat_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	pc, err := s.ctx(body.ProjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	chatID, source, err := pc.sessions.EnsureSession(body.ChatID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat_id": chatID, "source": source})
}

// --- chat stream ------------------------------------------------------------

func (s *Server) chatStreamInit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProjectID string `json:"project_id"`
		ChatID    string `json:"chat_id"`
		Message   string `json:"message"`
		Mode      string `json:"mode"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.ProjectID == "" || body.Message == "" {
		writeError(w, amonerr.New(amonerr.ProtocolError, "BAD_BODY", "project_id and message are required"))
		return
	}
	token := amonid.NewID("stream")
	s.mu.Lock()
	s.tokens[token] = streamInit{
		ProjectID: body.ProjectID,
		ChatID:    body.ChatID,
		Message:   body.Message,
		Mode:      body.Mode,
		Expires:   time.Now().Add(5 * time.Minute),
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"stream_token": token})
}

func (s *Server) takeToken(token string) (streamInit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	init, ok := s.tokens[token]
	if ok {
		delete(s.tokens, token)
	}
	for t, i := range s.tokens {
		if time.Now().After(i.Expires) {
			delete(s.tokens, t)
		}
	}
	if !ok || time.Now().After(init.Expires) {
		return streamInit{}, false
	}
	return init, true
}

func (s *Server) chatStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	projectID := q.Get("project_id")
	chatID := q.Get("chat_id")
	message := q.Get("message")
	mode := q.Get("mode")
	if token := q.Get("stream_token"); token != "" {
		init, ok := s.takeToken(token)
		if !ok {
			writeError(w, amonerr.New(amonerr.ProtocolError, "BAD_TOKEN", "unknown or expired stream token"))
			return
		}
		projectID, chatID, message, mode = init.ProjectID, init.ChatID, init.Message, init.Mode
	}
	if projectID == "" {
		writeError(w, amonerr.New(amonerr.ProtocolError, "BAD_REQUEST", "project_id is required"))
		return
	}

	sinceEventID := parseLastEventID(r)

	pc, err := s.ctx(projectID)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, amonerr.New(amonerr.ProtocolError, "NO_STREAM", "streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Reconnect without a new message: resume the chat's live event feed.
	if message == "" {
		s.resumeStream(w, r, pc, chatID, sinceEventID)
		return
	}

	turn, err := pc.orch.Submit(r.Context(), chatID, message, graph.Mode(mode))
	if err != nil {
		_ = streamWriteError(w, pc.project.ID, chatID, "", err)
		return
	}

	// First frame echoes the resolved chat_id so the client reconciles its
	// session cache before any token arrives.
	_ = writeFrame(w, frameNotice(pc.project.ID, turn.ChatID, turn.RunID, "session", map[string]any{
		"chat_id": turn.ChatID,
		"run_id":  turn.RunID,
		"turn_id": turn.TurnID,
	}))

	src := eventlog.NewReader(filepath.Join(pc.project.Root, ".amon", "runs", turn.RunID, "events.jsonl"))
	stream, err := s.broker.Open(streambroker.Request{
		ProjectID:    pc.project.ID,
		ChatID:       turn.ChatID,
		RunID:        turn.RunID,
		SinceEventID: sinceEventID,
	}, src)
	if err != nil {
		_ = streamWriteError(w, pc.project.ID, turn.ChatID, turn.RunID, err)
		return
	}
	defer stream.Close()
	s.pump(w, r, pc.project.ID, turn.ChatID, turn.RunID, stream.C, turn.Done)
}

// resumeStream reattaches a client to an existing chat's feed.
func (s *Server) resumeStream(w http.ResponseWriter, r *http.Request, pc *projectCtx, chatID string, sinceEventID int64) {
	resolved, source, err := pc.sessions.EnsureSession(chatID)
	if err != nil {
		_ = streamWriteError(w, pc.project.ID, chatID, "", err)
		return
	}
	_ = writeFrame(w, frameNotice(pc.project.ID, resolved, "", "session", map[string]any{
		"chat_id": resolved,
		"source":  source,
	}))

	runID, _, ok, err := pc.sessions.LoadLatestRunContext(resolved)
	var src streambroker.Source
	if err == nil && ok && runID != "" {
		src = eventlog.NewReader(filepath.Join(pc.project.Root, ".amon", "runs", runID, "events.jsonl"))
	}
	stream, err := s.broker.Open(streambroker.Request{
		ProjectID:    pc.project.ID,
		ChatID:       resolved,
		RunID:        runID,
		SinceEventID: sinceEventID,
	}, src)
	if err != nil {
		_ = streamWriteError(w, pc.project.ID, resolved, runID, err)
		return
	}
	defer stream.Close()
	s.pump(w, r, pc.project.ID, resolved, runID, stream.C, nil)
}

// pump forwards frames until the turn finishes, the client disconnects, or a
// done frame is delivered.
func (s *Server) pump(w http.ResponseWriter, r *http.Request, projectID, chatID, runID string, frames <-chan streambroker.Frame, turnDone <-chan struct{}) {
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": heartbeat\n\n"))
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		case frame, ok := <-frames:
			if !ok {
				return
			}
			frame.Data["project_id"] = projectID
			if chatID != "" {
				frame.Data["chat_id"] = chatID
			}
			if runID != "" && frame.Data["run_id"] == nil {
				frame.Data["run_id"] = runID
			}
			if err := writeFrame(w, frame); err != nil {
				return
			}
			if frame.Type == streambroker.FrameDone {
				if turnDone != nil {
					<-turnDone
				}
				return
			}
		}
	}
}

func parseLastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// --- plan confirm -----------------------------------------------------------

func (s *Server) planConfirm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProjectID string         `json:"project_id"`
		ChatID    string         `json:"chat_id"`
		RunID     string         `json:"run_id"`
		Command   string         `json:"command"`
		Args      map[string]any `json:"args"`
		Confirmed bool           `json:"confirmed"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	pc, err := s.ctx(body.ProjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	runID := body.RunID
	if runID == "" {
		// Resolve the parked run from the chat's latest context.
		if rid, _, ok, err := pc.sessions.LoadLatestRunContext(body.ChatID); err == nil && ok {
			runID = rid
		}
	}
	if runID == "" {
		writeError(w, amonerr.New(amonerr.ProtocolError, "RUN_NOT_FOUND", "no parked run for chat"))
		return
	}
	if err := pc.orch.ConfirmPlan(runID, body.Confirmed); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "confirmed": body.Confirmed})
}

// --- context clear ----------------------------------------------------------

func (s *Server) contextClear(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Scope     string `json:"scope"`
		ProjectID string `json:"project_id"`
		ChatID    string `json:"chat_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	pc, err := s.ctx(body.ProjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	switch body.Scope {
	case "chat":
		if body.ChatID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error_code": "MISSING_CHAT_ID"})
			return
		}
		if err := pc.sessions.Clear(body.ChatID); err != nil {
			writeError(w, err)
			return
		}
	case "project":
		if err := pc.sessions.ClearAll(); err != nil {
			writeError(w, err)
			return
		}
	default:
		writeError(w, amonerr.New(amonerr.ProtocolError, "BAD_SCOPE", "scope must be project or chat"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": body.Scope})
}

// --- runs -------------------------------------------------------------------

func (s *Server) runsDir(pc *projectCtx) string {
	return filepath.Join(pc.project.Root, ".amon", "runs")
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	pc, err := s.ctx(r.URL.Query().Get("project_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	runs, err := graph.ListRuns(s.runsDir(pc))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (*projectCtx, *model.Run, bool) {
	pc, err := s.ctx(r.URL.Query().Get("project_id"))
	if err != nil {
		writeError(w, err)
		return nil, nil, false
	}
	run, err := graph.LoadRun(s.runsDir(pc), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return nil, nil, false
	}
	return pc, run, true
}

func (s *Server) runGraph(w http.ResponseWriter, r *http.Request) {
	if _, run, ok := s.loadRun(w, r); ok {
		writeJSON(w, http.StatusOK, run.GraphResolved)
	}
}

func (s *Server) runNode(w http.ResponseWriter, r *http.Request) {
	_, run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	nodeID := chi.URLParam(r, "nodeID")
	st, ok := run.State[nodeID]
	if !ok {
		writeError(w, amonerr.New(amonerr.ProtocolError, "RUN_NOT_FOUND", "unknown node "+nodeID))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) runArtifacts(w http.ResponseWriter, r *http.Request) {
	pc, run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	artifacts, err := graph.LoadArtifacts(s.runsDir(pc), run.RunID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

// --- logs and events --------------------------------------------------------

type eventFilter struct {
	runID    string
	nodeID   string
	typ      string
	from, to time.Time
}

func (f eventFilter) match(e model.Event) bool {
	if f.runID != "" {
		if rid, _ := e.Payload["run_id"].(string); rid != f.runID {
			return false
		}
	}
	if f.nodeID != "" {
		if nid, _ := e.Payload["node_id"].(string); nid != f.nodeID {
			return false
		}
	}
	if f.typ != "" && !strings.HasPrefix(string(e.Type), f.typ) {
		return false
	}
	if !f.from.IsZero() && e.TS.Before(f.from) {
		return false
	}
	if !f.to.IsZero() && e.TS.After(f.to) {
		return false
	}
	return true
}

func (s *Server) queryEvents(w http.ResponseWriter, r *http.Request) {
	s.queryStream(w, r, "events.log")
}

func (s *Server) queryLogs(w http.ResponseWriter, r *http.Request) {
	s.queryStream(w, r, "project.log")
}

func (s *Server) queryStream(w http.ResponseWriter, r *http.Request, logName string) {
	q := r.URL.Query()
	pc, err := s.ctx(q.Get("project_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	filter := eventFilter{
		runID:  q.Get("run_id"),
		nodeID: q.Get("node_id"),
		typ:    q.Get("component"),
	}
	if t := q.Get("time_from"); t != "" {
		filter.from, _ = time.Parse(time.RFC3339, t)
	}
	if t := q.Get("time_to"); t != "" {
		filter.to, _ = time.Parse(time.RFC3339, t)
	}

	reader := eventlog.NewReader(filepath.Join(pc.project.Root, ".amon", "logs", logName))
	all, err := reader.Since(0)
	if err != nil {
		writeError(w, err)
		return
	}
	var filtered []model.Event
	for _, e := range all {
		if filter.match(e) {
			filtered = append(filtered, e)
		}
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	if page <= 0 {
		page = 1
	}
	// Reverse windowing: page 1 holds the most recent events.
	start := len(filtered) - page*pageSize
	end := start + pageSize
	if end <= 0 {
		writeJSON(w, http.StatusOK, map[string]any{"events": []model.Event{}})
		return
	}
	if start < 0 {
		start = 0
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": filtered[start:end], "total": len(filtered)})
}

// --- billing ----------------------------------------------------------------

func (s *Server) billingSummary(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if s.opts.Billing == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Billing.SummaryFor(projectID))
}

func (s *Server) billingStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, amonerr.New(amonerr.ProtocolError, "NO_STREAM", "streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if s.opts.Bus == nil {
		return
	}
	frames := make(chan model.Event, 64)
	sub := s.opts.Bus.Register(func(evt model.Event) bool {
		return strings.HasPrefix(string(evt.Type), "billing.")
	}, func(_ context.Context, evt model.Event) {
		select {
		case frames <- evt:
		default:
		}
	})
	defer sub.Close()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-frames:
			b, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: billing\ndata: " + string(b) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// --- health -----------------------------------------------------------------

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	windowSeconds, requests, errCount, rate := s.health.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"queue_depth": s.health.QueueDepth(),
		"recent_error_rate": map[string]any{
			"window_seconds": windowSeconds,
			"request_count":  requests,
			"error_count":    errCount,
			"error_rate":     rate,
			"uptime_seconds": int64(s.health.Uptime().Seconds()),
		},
		"observability": map[string]any{"schema_version": "v0.1"},
	})
}
