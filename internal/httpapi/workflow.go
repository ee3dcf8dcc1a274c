package httpapi

import (
	"context"
	"net/http"

	"engagestack.local/engage-core/internal/workflow"
)

type workflowStartBody struct {
	TenantID   string              `json:"tenant_id"`
	WorkflowID string              `json:"workflow_id"`
	CustomerID string              `json:"customer_id"`
	Definition workflow.Definition `json:"definition"`
	Variables  map[string]any      `json:"variables,omitempty"`

	TriggerEvent string         `json:"trigger_event,omitempty"`
	TriggerData  map[string]any `json:"trigger_data,omitempty"`
}

func (s *server) handleWorkflowExecute(w http.ResponseWriter, r *http.Request) {
	s.startWorkflow(w, r, false)
}

// handleWorkflowTrigger starts a run on behalf of an event; the trigger name
// and payload are seeded into the run's variable map.
func (s *server) handleWorkflowTrigger(w http.ResponseWriter, r *http.Request) {
	s.startWorkflow(w, r, true)
}

func (s *server) startWorkflow(w http.ResponseWriter, r *http.Request, triggered bool) {
	inst, actor, err := s.workflowInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body workflowStartBody
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if triggered && body.TriggerEvent == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "trigger_event is required"})
		return
	}

	params := workflow.StartParams{
		TenantID:     body.TenantID,
		WorkflowID:   body.WorkflowID,
		CustomerID:   body.CustomerID,
		Definition:   body.Definition,
		Variables:    body.Variables,
		TriggerEvent: body.TriggerEvent,
		TriggerData:  body.TriggerData,
	}
	var exec workflow.Execution
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		exec, err = actor.ExecuteWorkflow(ctx, params)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}

func (s *server) handleWorkflowResume(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.workflowInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var exec workflow.Execution
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		exec, err = actor.ResumeExecution(ctx)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *server) handleWorkflowCancel(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.workflowInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var exec workflow.Execution
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		exec, err = actor.Cancel(ctx)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.workflowInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var exec workflow.Execution
	var history []workflow.HistoryEntry
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		exec, err = actor.Execution(ctx)
		if err != nil {
			return err
		}
		history, err = actor.History(ctx)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution": exec,
		"history":   history,
	})
}
