package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/scintilla-hq/scintilla/pkg/auth"
	"github.com/scintilla-hq/scintilla/pkg/broker"
)

type registerRequest struct {
	AgentID      string   `json:"agent_id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version,omitempty"`
}

// handleAgentRegister registers (or re-registers) a polling agent.
func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAgentError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.broker.Register(broker.Agent{
		ID:           req.AgentID,
		Name:         req.Name,
		Capabilities: req.Capabilities,
		Version:      req.Version,
	})
	if err != nil {
		writeAgentError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.updateBrokerGauges()
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":     req.AgentID,
		"capabilities": req.Capabilities,
	})
}

// handleAgentPoll hands the agent its next matching task, if any.
func (s *Server) handleAgentPoll(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")

	task, err := s.broker.Poll(agentID)
	if err != nil {
		writeAgentError(w, http.StatusNotFound, err.Error())
		return
	}

	s.updateBrokerGauges()
	if task == nil {
		writeJSON(w, http.StatusOK, map[string]any{"has_work": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"has_work": true, "task": task})
}

// handleAgentResult accepts a task completion.
func (s *Server) handleAgentResult(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")

	var result broker.TaskResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		writeAgentError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result.TaskID = taskID

	s.broker.Complete(result)
	s.updateBrokerGauges()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "task_id": taskID})
}

type refreshToolsRequest struct {
	AgentID    string `json:"agent_id"`
	Capability string `json:"capability"`
}

// handleRefreshTools runs the local discovery flow for every source whose
// URL names the capability, refreshing their cached catalogs.
func (s *Server) handleRefreshTools(w http.ResponseWriter, r *http.Request) {
	var req refreshToolsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAgentError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Capability == "" {
		writeAgentError(w, http.StatusBadRequest, "capability is required")
		return
	}

	userID := auth.AgentUserFromRequest(r)
	discovered, err := s.catalog.RefreshCapability(r.Context(), userID, req.Capability)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":    false,
			"capability": req.Capability,
			"agent_id":   req.AgentID,
			"message":    err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"tools_discovered": discovered,
		"capability":       req.Capability,
		"agent_id":         req.AgentID,
		"message":          fmt.Sprintf("discovered %d tools for %s", discovered, req.Capability),
	})
}

// handleAgentStatus snapshots broker state.
func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	status := s.broker.Status()
	s.metrics.SetBrokerState(status.RegisteredAgents, status.PendingTasks)
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) updateBrokerGauges() {
	status := s.broker.Status()
	s.metrics.SetBrokerState(status.RegisteredAgents, status.PendingTasks)
}
