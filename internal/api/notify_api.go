package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"
)

// Notifier accepts a change event id of the form "Protocol|resource".
type Notifier interface {
	Enqueue(ctx context.Context, id string) error
}

// NotifyAPI is the ingress for change events from the data server. Each
// event names a resource whose subscribers should receive a push.
type NotifyAPI struct {
	Notifier Notifier
	Logger   *slog.Logger
}

func NewNotifyAPI(notifier Notifier, logger *slog.Logger) *NotifyAPI {
	return &NotifyAPI{
		Notifier: notifier,
		Logger:   logger,
	}
}

type notifyRequest struct {
	ID string `json:"id"`
}

// Notify queues a fan-out for the change event. Delivery is asynchronous,
// so a successful enqueue answers 202.
func (api *NotifyAPI) Notify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "'id' must be provided")
		return
	}

	if err := api.Notifier.Enqueue(r.Context(), req.ID); err != nil {
		api.Logger.Error("failed to enqueue change event", "id", req.ID, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
