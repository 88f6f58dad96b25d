package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/harborgate/go-apn-service/pkg/subscription"
)

// SubscriptionAPI registers device tokens against push keys. Clients learn
// the key from the pushkey property of the collection they want to monitor,
// then call this endpoint with their device token.
type SubscriptionAPI struct {
	Store  subscription.Store
	Logger *slog.Logger
}

func NewSubscriptionAPI(store subscription.Store, logger *slog.Logger) *SubscriptionAPI {
	return &SubscriptionAPI{
		Store:  store,
		Logger: logger,
	}
}

// Subscribe adds (or refreshes) a subscription for the authenticated user.
// Accepts `token` and `key` as form or query parameters.
func (api *SubscriptionAPI) Subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := middleware.GetUserIDFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := r.ParseForm(); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid form data")
		return
	}

	token := strings.ToLower(strings.ReplaceAll(r.Form.Get("token"), " ", ""))
	key := r.Form.Get("key")

	if token == "" || key == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "both 'token' and 'key' must be provided")
		return
	}
	if !subscription.ValidToken(token) {
		api.Logger.Warn("Subscribe: rejected malformed token", "token", token)
		response.WriteJSONError(w, http.StatusBadRequest, "bad 'token'")
		return
	}

	now := time.Now().Unix()
	if err := api.Store.AddSubscription(ctx, token, key, now, uid, r.UserAgent(), remoteHost(r)); err != nil {
		api.Logger.Error("failed to add subscription", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("Subscribe: subscription registered", "uid", uid, "key", key)

	w.WriteHeader(http.StatusOK)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
