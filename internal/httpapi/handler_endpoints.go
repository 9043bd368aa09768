package httpapi

import (
	"net/http"
	"strings"

	"github.com/MapColonies/arstotzka/api"
	"github.com/MapColonies/arstotzka/internal/core"
)

func (h *Handler) handleServiceList(w http.ResponseWriter, r *http.Request) error {
	services, err := h.core.ListServices(r.Context())
	if err != nil {
		return err
	}
	out := make([]api.ServiceDetail, 0, len(services))
	for _, svc := range services {
		detail, err := h.core.FetchService(r.Context(), svc.ID)
		if err != nil {
			return err
		}
		out = append(out, detail)
	}
	h.writeJSON(w, http.StatusOK, out)
	return nil
}

func (h *Handler) handleServiceGet(w http.ResponseWriter, r *http.Request) error {
	detail, err := h.core.FetchService(r.Context(), r.PathValue("serviceId"))
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, detail)
	return nil
}

func (h *Handler) handleServiceRotate(w http.ResponseWriter, r *http.Request) error {
	var req api.RotateRequest
	if err := h.decodeRequest(w, r, &req, true); err != nil {
		return err
	}
	if err := h.core.Rotate(r.Context(), r.PathValue("serviceId"), strings.TrimSpace(req.Description)); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) handleLockCreate(w http.ResponseWriter, r *http.Request) error {
	var req api.LockRequest
	if err := h.decodeRequest(w, r, &req, false); err != nil {
		return err
	}
	if len(req.Services) == 0 {
		return invalid("services must contain at least one service id")
	}
	lockID, err := h.core.Lock(r.Context(), req)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusCreated, api.LockResponse{LockID: lockID})
	return nil
}

func (h *Handler) handleLockReserve(w http.ResponseWriter, r *http.Request) error {
	serviceID := strings.TrimSpace(r.URL.Query().Get("service"))
	if serviceID == "" {
		return invalid("service query parameter is required")
	}
	lockID, err := h.core.Reserve(r.Context(), serviceID)
	if err != nil {
		return err
	}
	if lockID == "" {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	h.writeJSON(w, http.StatusCreated, api.LockResponse{LockID: lockID})
	return nil
}

func (h *Handler) handleLockGet(w http.ResponseWriter, r *http.Request) error {
	lock, err := h.core.GetLock(r.Context(), r.PathValue("lockId"))
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, lock)
	return nil
}

func (h *Handler) handleLockDelete(w http.ResponseWriter, r *http.Request) error {
	if err := h.core.Unlock(r.Context(), r.PathValue("lockId")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) handleActionList(w http.ResponseWriter, r *http.Request) error {
	filter, err := parseActionFilter(r.URL.Query())
	if err != nil {
		return err
	}
	actions, err := h.core.GetActions(r.Context(), filter)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, actions)
	return nil
}

func (h *Handler) handleActionCreate(w http.ResponseWriter, r *http.Request) error {
	var req api.ActionRequest
	if err := h.decodeRequest(w, r, &req, false); err != nil {
		return err
	}
	if strings.TrimSpace(req.ServiceID) == "" {
		return invalid("serviceId is required")
	}
	actionID, err := h.core.CreateAction(r.Context(), req)
	if err != nil {
		// An unknown service is a conflict with the registry for this endpoint.
		if core.IsCode(err, api.CodeServiceNotFound) {
			return httpError{Status: http.StatusConflict, Code: api.CodeServiceNotFound, Detail: err.Error()}
		}
		return err
	}
	h.writeJSON(w, http.StatusCreated, api.ActionResponse{ActionID: actionID})
	return nil
}

func (h *Handler) handleActionGet(w http.ResponseWriter, r *http.Request) error {
	action, err := h.core.GetAction(r.Context(), r.PathValue("actionId"))
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, action)
	return nil
}

func (h *Handler) handleActionUpdate(w http.ResponseWriter, r *http.Request) error {
	var patch api.ActionPatch
	if err := h.decodeRequest(w, r, &patch, false); err != nil {
		return err
	}
	if patch.Status == "" && len(patch.Metadata) == 0 {
		return invalid("status or metadata is required")
	}
	action, err := h.core.UpdateAction(r.Context(), r.PathValue("actionId"), patch)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, action)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) error {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			return httpError{Status: http.StatusServiceUnavailable, Code: "not_ready", Detail: err.Error()}
		}
	}
	w.WriteHeader(http.StatusOK)
	return nil
}
