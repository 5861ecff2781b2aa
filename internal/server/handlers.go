package server

import (
	"net/http"
	"strconv"

	"gamestr/internal/runtime"
	"gamestr/internal/store"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.ctl.GetStatusSnapshot(), http.StatusOK)
}

func (s *Server) handleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	snap, err := s.ctl.GetQueueSnapshot(limit)
	if err != nil {
		commandError(w, err, http.StatusInternalServerError)
		return
	}
	commandOK(w, snap)
}

// ─── Relays ───────────────────────────────────────────────────────────────────

func (s *Server) handleListRelays(w http.ResponseWriter, r *http.Request) {
	filter := store.RelayFilter{
		Category: r.URL.Query().Get("category"),
		ReadOnly: r.URL.Query().Get("read") == "true",
	}
	relays, err := s.ctl.ListRelays(filter)
	if err != nil {
		commandError(w, err, http.StatusInternalServerError)
		return
	}
	commandOK(w, map[string]any{"relays": relays})
}

func (s *Server) handleAddRelay(w http.ResponseWriter, r *http.Request) {
	var relay store.Relay
	if err := decodeBody(r, &relay); err != nil {
		commandError(w, err, http.StatusBadRequest)
		return
	}
	if err := s.ctl.AddRelay(relay); err != nil {
		commandError(w, err, http.StatusBadRequest)
		return
	}
	commandOK(w, nil)
}

func (s *Server) handleUpdateRelay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL   string           `json:"url"`
		Patch store.RelayPatch `json:"patch"`
	}
	if err := decodeBody(r, &req); err != nil {
		commandError(w, err, http.StatusBadRequest)
		return
	}
	if err := s.ctl.UpdateRelay(req.URL, req.Patch); err != nil {
		commandError(w, err, http.StatusBadRequest)
		return
	}
	commandOK(w, nil)
}

func (s *Server) handleRemoveRelay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL   string `json:"url"`
		Force bool   `json:"force"`
	}
	if err := decodeBody(r, &req); err != nil {
		commandError(w, err, http.StatusBadRequest)
		return
	}
	if err := s.ctl.RemoveRelay(req.URL, req.Force); err != nil {
		commandError(w, err, http.StatusBadRequest)
		return
	}
	commandOK(w, nil)
}

func (s *Server) handleTestRelay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := decodeBody(r, &req); err != nil {
		commandError(w, err, http.StatusBadRequest)
		return
	}
	latency, err := s.ctl.TestRelay(r.Context(), req.URL)
	if err != nil {
		commandError(w, err, http.StatusBadRequest)
		return
	}
	commandOK(w, map[string]any{"latency_ms": latency.Milliseconds()})
}

func (s *Server) handleGetCategories(w http.ResponseWriter, r *http.Request) {
	commandOK(w, map[string]any{"categories": s.ctl.GetCategoryPreference()})
}

func (s *Server) handleSetCategories(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Categories []string `json:"categories"`
	}
	if err := decodeBody(r, &req); err != nil {
		commandError(w, err, http.StatusBadRequest)
		return
	}
	if err := s.ctl.SetCategoryPreference(req.Categories); err != nil {
		commandError(w, err, http.StatusBadRequest)
		return
	}
	commandOK(w, nil)
}

// ─── Follows ──────────────────────────────────────────────────────────────────

func (s *Server) handleGetFollows(w http.ResponseWriter, r *http.Request) {
	follows, err := s.ctl.GetManualFollows()
	if err != nil {
		commandError(w, err, http.StatusInternalServerError)
		return
	}
	commandOK(w, map[string]any{"follows": follows})
}

func (s *Server) handleAddFollow(w http.ResponseWriter, r *http.Request) {
	var entry store.FollowEntry
	if err := decodeBody(r, &entry); err != nil {
		commandError(w, err, http.StatusBadRequest)
		return
	}
	if err := s.ctl.AddFollow(entry); err != nil {
		commandError(w, err, http.StatusBadRequest)
		return
	}
	commandOK(w, nil)
}

func (s *Server) handleRemoveFollow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PubKey string `json:"pubkey"`
	}
	if err := decodeBody(r, &req); err != nil {
		commandError(w, err, http.StatusBadRequest)
		return
	}
	if err := s.ctl.RemoveFollow(req.PubKey); err != nil {
		commandError(w, err, http.StatusBadRequest)
		return
	}
	commandOK(w, nil)
}

func (s *Server) handleSetFollows(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Follows []store.FollowEntry `json:"follows"`
	}
	if err := decodeBody(r, &req); err != nil {
		commandError(w, err, http.StatusBadRequest)
		return
	}
	if err := s.ctl.SetManualFollows(req.Follows); err != nil {
		commandError(w, err, http.StatusBadRequest)
		return
	}
	commandOK(w, nil)
}

// ─── Limits, mode, publish, shutdown ──────────────────────────────────────────

func (s *Server) handleGetLimits(w http.ResponseWriter, r *http.Request) {
	commandOK(w, map[string]any{"limits": s.ctl.GetResourceLimits()})
}

func (s *Server) handleSetLimits(w http.ResponseWriter, r *http.Request) {
	var limits store.ResourceLimits
	if err := decodeBody(r, &limits); err != nil {
		commandError(w, err, http.StatusBadRequest)
		return
	}
	if err := s.ctl.SetResourceLimits(limits); err != nil {
		commandError(w, err, http.StatusBadRequest)
		return
	}
	commandOK(w, nil)
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decodeBody(r, &req); err != nil {
		commandError(w, err, http.StatusBadRequest)
		return
	}
	if err := s.ctl.SetMode(runtime.Mode(req.Mode)); err != nil {
		commandError(w, err, http.StatusBadRequest)
		return
	}
	commandOK(w, map[string]any{"mode": req.Mode})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req runtime.PublishRequest
	if err := decodeBody(r, &req); err != nil {
		commandError(w, err, http.StatusBadRequest)
		return
	}
	id, err := s.ctl.PublishEvent(req)
	if err != nil {
		commandError(w, err, http.StatusBadRequest)
		return
	}
	commandOK(w, map[string]any{"eventId": id})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KeepBackground bool `json:"keepBackground"`
	}
	if err := decodeBody(r, &req); err != nil {
		commandError(w, err, http.StatusBadRequest)
		return
	}
	commandOK(w, map[string]any{"keepBackground": req.KeepBackground})
	go s.ctl.Shutdown(req.KeepBackground)
}
