package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Routes serves the subscription management and callback endpoints.
type Routes struct {
	Manager *Manager
}

// NewRoutes creates the HTTP surface for a manager.
func NewRoutes(manager *Manager) *Routes {
	return &Routes{Manager: manager}
}

// HandleRequest tries to serve the request as a webhook route. It returns
// false when the request is not webhook-related and should fall through to
// stream handling.
func (rt *Routes) HandleRequest(w http.ResponseWriter, r *http.Request) bool {
	path := r.URL.Path

	if strings.HasPrefix(path, "/callback/") {
		rt.handleCallback(w, r, path)
		return true
	}

	query := r.URL.Query()
	_, hasSubscription := query["subscription"]
	_, hasSubscriptions := query["subscriptions"]

	if hasSubscription {
		subscriptionID := query.Get("subscription")
		switch r.Method {
		case http.MethodPut:
			rt.handleCreateSubscription(w, r, path, subscriptionID)
		case http.MethodGet:
			rt.handleGetSubscription(w, subscriptionID)
		case http.MethodDelete:
			rt.handleDeleteSubscription(w, subscriptionID)
		default:
			writeSubscriptionProblem(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
				"Method Not Allowed", "unsupported method for subscription resource")
		}
		return true
	}

	if hasSubscriptions && r.Method == http.MethodGet {
		rt.handleListSubscriptions(w, path)
		return true
	}

	return false
}

func (rt *Routes) handleCreateSubscription(w http.ResponseWriter, r *http.Request, pattern, subscriptionID string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeSubscriptionProblem(w, http.StatusBadRequest, "BAD_REQUEST",
			"Bad Request", "failed to read request body")
		return
	}

	var parsed struct {
		Webhook     string `json:"webhook"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		writeSubscriptionProblem(w, http.StatusBadRequest, "BAD_REQUEST",
			"Bad Request", "request body is not valid JSON")
		return
	}
	if parsed.Webhook == "" {
		writeSubscriptionProblem(w, http.StatusBadRequest, "BAD_REQUEST",
			"Bad Request", "missing required field: webhook")
		return
	}

	sub, created, err := rt.Manager.store.CreateSubscription(subscriptionID, pattern, parsed.Webhook, parsed.Description)
	if err != nil {
		if IsConflict(err) {
			writeSubscriptionProblem(w, http.StatusConflict, "SUBSCRIPTION_CONFLICT",
				"Subscription Configuration Conflict", "subscription exists with different configuration")
			return
		}
		writeSubscriptionProblem(w, http.StatusInternalServerError, "INTERNAL",
			"Internal Server Error", "")
		return
	}

	resp := subscriptionView(sub)
	if created {
		// The secret is only ever returned on the creating request.
		resp["webhook_secret"] = sub.WebhookSecret
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (rt *Routes) handleGetSubscription(w http.ResponseWriter, subscriptionID string) {
	sub := rt.Manager.store.GetSubscription(subscriptionID)
	if sub == nil {
		writeSubscriptionProblem(w, http.StatusNotFound, "NOT_FOUND",
			"Subscription Not Found", "no such subscription")
		return
	}
	writeJSON(w, http.StatusOK, subscriptionView(sub))
}

func (rt *Routes) handleDeleteSubscription(w http.ResponseWriter, subscriptionID string) {
	if !rt.Manager.store.DeleteSubscription(subscriptionID) {
		writeSubscriptionProblem(w, http.StatusNotFound, "NOT_FOUND",
			"Subscription Not Found", "no such subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Routes) handleListSubscriptions(w http.ResponseWriter, pattern string) {
	subs := rt.Manager.store.ListSubscriptions(pattern)
	items := make([]map[string]any, 0, len(subs))
	for _, sub := range subs {
		items = append(items, subscriptionView(sub))
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": items})
}

func subscriptionView(sub *Subscription) map[string]any {
	resp := map[string]any{
		"subscription_id": sub.SubscriptionID,
		"pattern":         sub.Pattern,
		"webhook":         sub.Webhook,
	}
	if sub.Description != "" {
		resp["description"] = sub.Description
	}
	return resp
}

func (rt *Routes) handleCallback(w http.ResponseWriter, r *http.Request, path string) {
	if r.Method != http.MethodPost {
		writeSubscriptionProblem(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			"Method Not Allowed", "callback endpoint only accepts POST")
		return
	}

	consumerID, err := url.PathUnescape(path[len("/callback/"):])
	if err != nil {
		writeCallbackError(w, &CallbackError{Error: CallbackErrBody{
			Code: ErrCodeInvalidRequest, Message: "Malformed consumer id",
		}})
		return
	}

	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		writeCallbackError(w, &CallbackError{Error: CallbackErrBody{
			Code: ErrCodeTokenInvalid, Message: "Missing or malformed Authorization header",
		}})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeCallbackError(w, &CallbackError{Error: CallbackErrBody{
			Code: ErrCodeInvalidRequest, Message: "Failed to read request body",
		}})
		return
	}

	// epoch is mandatory; a zero value from a missing field must not be
	// confused with a real epoch 0, so check presence on the raw object.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		writeCallbackError(w, &CallbackError{Error: CallbackErrBody{
			Code: ErrCodeInvalidRequest, Message: "Invalid JSON body",
		}})
		return
	}
	if _, hasEpoch := raw["epoch"]; !hasEpoch {
		writeCallbackError(w, &CallbackError{Error: CallbackErrBody{
			Code: ErrCodeInvalidRequest, Message: "Missing required field: epoch",
		}})
		return
	}

	var request CallbackRequest
	if err := json.Unmarshal(body, &request); err != nil {
		writeCallbackError(w, &CallbackError{Error: CallbackErrBody{
			Code: ErrCodeInvalidRequest, Message: "Invalid JSON body",
		}})
		return
	}

	success, cbErr := rt.Manager.HandleCallback(consumerID, token, &request)
	if cbErr != nil {
		writeCallbackError(w, cbErr)
		return
	}
	writeJSON(w, http.StatusOK, success)
}

func writeCallbackError(w http.ResponseWriter, cbErr *CallbackError) {
	status, ok := CallbackStatus[cbErr.Error.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, cbErr)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// subscriptionProblem is an RFC 9457 problem body for the subscription
// management surface. The callback endpoint keeps its own error envelope.
type subscriptionProblem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	Code   string `json:"code"`
}

func writeSubscriptionProblem(w http.ResponseWriter, status int, code, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(subscriptionProblem{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
		Code:   code,
	})
}
