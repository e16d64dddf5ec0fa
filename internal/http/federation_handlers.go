package httpserver

import (
	"encoding/json"
	"net/http"

	httperrors "gitea.jw6.us/james/calfed/internal/http/errors"

	"gitea.jw6.us/james/calfed/internal/auth"
	"gitea.jw6.us/james/calfed/internal/federation/cloudid"
	"gitea.jw6.us/james/calfed/internal/federation/ocm"
	"gitea.jw6.us/james/calfed/internal/federation/provider"
	"gitea.jw6.us/james/calfed/internal/federation/sharing"
	"gitea.jw6.us/james/calfed/internal/store"
)

const maxOCMBodyBytes = 1 << 20

// ocmHandlers exposes the federation provider over the OCM endpoints.
type ocmHandlers struct {
	provider *provider.Provider
}

func (h *ocmHandlers) CreateShare(w http.ResponseWriter, r *http.Request) {
	var share ocm.Share
	if err := decodeJSON(w, r, &share); err != nil {
		return
	}

	ref, err := h.provider.ShareReceived(r.Context(), share)
	if err != nil {
		writeOCMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": ref})
}

func (h *ocmHandlers) ReceiveNotification(w http.ResponseWriter, r *http.Request) {
	var notification ocm.Notification
	if err := decodeJSON(w, r, &notification); err != nil {
		return
	}

	result, err := h.provider.NotificationReceived(r.Context(), notification)
	if err != nil {
		writeOCMError(w, r, err)
		return
	}
	if result == nil {
		result = map[string]any{}
	}
	writeJSON(w, http.StatusCreated, result)
}

// shareHandlers is the operator-facing API for sharing local calendars with
// remote users. The sharing service itself never fails the caller, so both
// endpoints answer 202: delivery status lives in the logs and metrics.
type shareHandlers struct {
	calendars store.CalendarRepository
	sharing   *sharing.Service
}

type shareRequest struct {
	CalendarID int64  `json:"calendarId"`
	ShareWith  string `json:"shareWith"` // cloud id, user@host
	Access     string `json:"access"`
}

func (h *shareHandlers) Create(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "missing user", http.StatusUnauthorized)
		return
	}
	var req shareRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	recipient, err := cloudid.Parse(req.ShareWith)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "shareWith must be a user@host cloud id")
		return
	}
	if !h.ownsCalendar(w, r, user, req.CalendarID) {
		return
	}
	if req.Access == "" {
		req.Access = "read"
	}

	h.sharing.ShareWith(r.Context(), req.CalendarID, recipient.RemotePrincipal(), req.Access)
	w.WriteHeader(http.StatusAccepted)
}

func (h *shareHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "missing user", http.StatusUnauthorized)
		return
	}
	var req shareRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	recipient, err := cloudid.Parse(req.ShareWith)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "shareWith must be a user@host cloud id")
		return
	}
	if !h.ownsCalendar(w, r, user, req.CalendarID) {
		return
	}

	h.sharing.Unshare(r.Context(), req.CalendarID, recipient.RemotePrincipal())
	w.WriteHeader(http.StatusAccepted)
}

func (h *shareHandlers) ownsCalendar(w http.ResponseWriter, r *http.Request, user string, calendarID int64) bool {
	calOpt, err := h.calendars.GetByID(r.Context(), calendarID)
	if err != nil {
		httperrors.InternalError(w, r, err, "loading calendar failed")
		return false
	}
	cal, ok := calOpt.Get()
	if !ok || cal.Owner != user {
		http.Error(w, "calendar not found", http.StatusNotFound)
		return false
	}
	return true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOCMBodyBytes))
	if err := dec.Decode(v); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid JSON body")
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOCMError(w http.ResponseWriter, r *http.Request, err error) {
	status := ocm.StatusOf(err)
	if status >= http.StatusInternalServerError {
		httperrors.LogError(r, "federation request failed", err)
	} else {
		httperrors.LogInfo(r, "federation request rejected", "error", err.Error())
	}
	writeJSON(w, status, map[string]any{"message": err.Error()})
}
