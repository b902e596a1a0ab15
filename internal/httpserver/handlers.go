package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"wadispatch/internal/domain"
	"wadispatch/internal/service"
	"wadispatch/internal/util"
)

type API struct {
	Svc *service.DispatchService
}

func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/messages", a.handleSendDirect).Methods(http.MethodPost)
	mux.HandleFunc("/v1/messages/{key}", a.handleGetAttempt).Methods(http.MethodGet)
	mux.HandleFunc("/v1/inbox/replies", a.handleInboxReply).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns", a.handleCreateCampaign).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}", a.handleGetCampaign).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns/{id}/start", a.handleCampaignAction("start")).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/pause", a.handleCampaignAction("pause")).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/cancel", a.handleCampaignAction("cancel")).Methods(http.MethodPost)
	mux.HandleFunc("/v1/tenants/{id}/balance", a.handleGetBalance).Methods(http.MethodGet)
}

func (a *API) handleSendDirect(w http.ResponseWriter, r *http.Request) {
	var req domain.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := a.Svc.SendDirect(r.Context(), req)
	if err != nil {
		slog.Error("direct send failed", "err", err, "tenant_id", req.TenantID, "request_id", req.RequestID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (a *API) handleInboxReply(w http.ResponseWriter, r *http.Request) {
	var req domain.InboxReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := a.Svc.SendInboxReply(r.Context(), req)
	if err != nil {
		slog.Error("inbox reply failed", "err", err, "tenant_id", req.TenantID, "conversation_id", req.ConversationID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (a *API) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if key == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	rec, found, err := a.Svc.GetAttempt(r.Context(), key)
	if err != nil {
		slog.Error("get attempt failed", "err", err, "key", key)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c, err := a.Svc.CreateCampaign(r.Context(), req, util.NowUTC())
	if err != nil {
		slog.Error("create campaign failed", "err", err, "tenant_id", req.TenantID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"campaignId": c.ID, "status": c.Status})
}

func (a *API) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, found, err := a.Svc.GetCampaignStatus(r.Context(), id)
	if err != nil {
		slog.Error("get campaign failed", "err", err, "campaign_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"campaignId":   st.Campaign.ID,
		"status":       st.Campaign.Status,
		"pausedReason": st.Campaign.PausedReason,
		"counts": map[string]int{
			"pending":    st.Counts.Pending,
			"queued":     st.Counts.Queued,
			"processing": st.Counts.Processing,
			"sent":       st.Counts.Sent,
			"failed":     st.Counts.Failed,
			"skipped":    st.Counts.Skipped,
		},
	})
}

func (a *API) handleCampaignAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		var ok bool
		var err error
		now := util.NowUTC()
		switch action {
		case "start":
			ok, err = a.Svc.StartCampaign(r.Context(), id, now)
		case "pause":
			ok, err = a.Svc.PauseCampaign(r.Context(), id, now)
		case "cancel":
			ok, err = a.Svc.CancelCampaign(r.Context(), id, now)
		}
		if err != nil {
			slog.Error("campaign action failed", "err", err, "campaign_id", id, "action", action)
			http.Error(w, ErrDependency, http.StatusBadGateway)
			return
		}
		if !ok {
			http.Error(w, ErrConflict, http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"campaignId": id, "action": action})
	}
}

func (a *API) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	b, err := a.Svc.GetBalance(r.Context(), tenantID)
	if err != nil {
		slog.Error("get balance failed", "err", err, "tenant_id", tenantID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenantId":  b.TenantID,
		"available": b.Available,
		"reserved":  b.Reserved,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
