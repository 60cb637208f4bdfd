// Package server is the thin HTTP surface over the bridge backend and the
// event transport: session CRUD, message delivery, prompt replies, and the
// event-stream endpoint.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/bazelment/agentbridge/api"
	"github.com/bazelment/agentbridge/bridge"
	"github.com/bazelment/agentbridge/stream"
)

// Server dispatches HTTP requests to the backend and transport.
type Server struct {
	backend   *bridge.Backend
	transport *stream.Transport
	router    *mux.Router
}

// New builds the route table.
func New(backend *bridge.Backend, transport *stream.Transport) *Server {
	s := &Server{backend: backend, transport: transport, router: mux.NewRouter()}

	r := s.router.PathPrefix("/v1").Subrouter()
	r.HandleFunc("/sessions", s.createSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions", s.listSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.getSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.deleteSession).Methods(http.MethodDelete)
	r.HandleFunc("/sessions/{id}/status", s.sessionStatus).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/messages", s.listMessages).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/messages", s.sendMessage).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/messages/{messageID}/parts", s.listParts).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/abort", s.abort).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/diff", s.diff).Methods(http.MethodGet)
	r.HandleFunc("/permissions/{id}", s.replyPermission).Methods(http.MethodPost)
	r.HandleFunc("/questions/{id}", s.answerQuestion).Methods(http.MethodPost)
	r.HandleFunc("/events", s.events).Methods(http.MethodGet)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Directory string `json:"directory"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Directory == "" {
		http.Error(w, "directory is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, s.backend.CreateSession(body.Directory))
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.ListSessions())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.backend.GetSession(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.backend.DeleteSession(mux.Vars(r)["id"]) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := s.backend.Status(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.backend.GetSession(id); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	type messageWithParts struct {
		Info  api.Message `json:"info"`
		Parts []api.Part  `json:"parts"`
	}
	messages := s.backend.Messages(id)
	out := make([]messageWithParts, 0, len(messages))
	for _, m := range messages {
		out = append(out, messageWithParts{Info: m, Parts: s.backend.Parts(id, m.ID)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listParts(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if _, ok := s.backend.GetSession(vars["id"]); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	parts := s.backend.Parts(vars["id"], vars["messageID"])
	writeJSON(w, http.StatusOK, parts)
}

// sendMessage delivers user input. The response is the pre-created
// assistant message; ?nowait=true returns 202 with no body instead.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text           string `json:"text"`
		PermissionMode string `json:"permissionMode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	assistant, ok := s.backend.SendMessage(r.Context(), mux.Vars(r)["id"], body.Text, body.PermissionMode)
	if !ok {
		http.Error(w, "session not found or empty text", http.StatusNotFound)
		return
	}
	if r.URL.Query().Get("nowait") == "true" {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, assistant)
}

func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	if !s.backend.Abort(mux.Vars(r)["id"]) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) diff(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.backend.GetSession(id); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	files := s.backend.Diff(r.Context(), id)
	if files == nil {
		files = []api.DiffFile{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) replyPermission(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Allow  bool   `json:"allow"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	ok := s.backend.ReplyPermission(mux.Vars(r)["id"], body.Allow, body.Reason)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

func (s *Server) answerQuestion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Answer string `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	ok := s.backend.AnswerQuestion(mux.Vars(r)["id"], body.Answer)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

// events is the long-lived event-stream endpoint. Last-Event-ID selects
// the replay start; ?directory= scopes delivery; ?format=enveloped selects
// the enveloped encoding.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var lastSeen uint64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
			lastSeen = n
		}
	}
	encoding := stream.EncodingBare
	if r.URL.Query().Get("format") == "enveloped" {
		encoding = stream.EncodingEnveloped
	}

	conn, err := s.transport.Connect(w, stream.ConnectOptions{
		Encoding:  encoding,
		Directory: r.URL.Query().Get("directory"),
		LastSeen:  lastSeen,
		Flush:     flusher.Flush,
	})
	if err != nil {
		return
	}

	select {
	case <-conn.Done():
	case <-r.Context().Done():
		s.transport.Disconnect(conn)
	}
}
