package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"videoflow/internal/httpkit"
	"videoflow/internal/pkg/errors"
	"videoflow/internal/videoflow"
)

// SubmitApproval resolves an approval code to its instance and raises the
// ApprovalResult signal there. It does not wait for the workflow to act.
func (h *Handler) SubmitApproval(w http.ResponseWriter, r *http.Request) error {
	code := chi.URLParam(r, "code")
	result := strings.TrimSpace(r.URL.Query().Get("result"))
	if result == "" {
		return errors.ValidationField("result", "Need an approval result")
	}
	decision := videoflow.ParseDecision(result)
	if decision == videoflow.Unknown {
		return errors.ValidationField("result", "approval result must be Approved or Rejected")
	}

	instanceID, err := h.correlations.Resolve(r.Context(), code)
	if err != nil {
		return err
	}
	if err := h.engine.RaiseSignal(r.Context(), instanceID, videoflow.ApprovalSignal, string(decision)); err != nil {
		return err
	}

	h.log.FromContext(r.Context()).Info("approval submitted", "instance_id", instanceID, "result", string(decision))
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"instanceId": instanceID,
		"result":     decision,
	})
	return nil
}
