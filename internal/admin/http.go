package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/huddle/relay/internal/chat"
	"github.com/huddle/relay/internal/relay"
)

// NewRouter exposes the admin operations over HTTP. It is meant for a
// private listener, never the public /ws port.
//
//	GET    /admin/snapshot
//	POST   /admin/kick/{name}?seconds=N
//	DELETE /admin/bans/{target}
//	POST   /admin/broadcast   {"text": "..."}
//	DELETE /admin/history
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/admin").Subrouter()

	api.HandleFunc("/snapshot", func(w http.ResponseWriter, _ *http.Request) {
		writeReply(w, h.core.Snapshot(), nil)
	}).Methods(http.MethodGet)

	api.HandleFunc("/kick/{name}", func(w http.ResponseWriter, r *http.Request) {
		req := KickRequest{Name: mux.Vars(r)["name"]}
		if v := r.URL.Query().Get("seconds"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeReply(w, nil, ErrBadRequest)
				return
			}
			req.Seconds = n
		}
		res, err := h.Kick(req)
		if err != nil {
			writeReply(w, nil, err)
			return
		}
		writeReply(w, res, nil)
	}).Methods(http.MethodPost)

	api.HandleFunc("/bans/{target}", func(w http.ResponseWriter, r *http.Request) {
		res, err := h.Unban(UnbanRequest{Target: mux.Vars(r)["target"]})
		if err != nil {
			writeReply(w, nil, err)
			return
		}
		writeReply(w, res, nil)
	}).Methods(http.MethodDelete)

	api.HandleFunc("/broadcast", func(w http.ResponseWriter, r *http.Request) {
		var req BroadcastRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeReply(w, nil, ErrBadRequest)
			return
		}
		writeReply(w, nil, h.Broadcast(req))
	}).Methods(http.MethodPost)

	api.HandleFunc("/history", func(w http.ResponseWriter, _ *http.Request) {
		h.core.ClearHistory()
		writeReply(w, nil, nil)
	}).Methods(http.MethodDelete)

	return r
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, relay.ErrTargetNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrMessageTooLong),
		errors.Is(err, chat.ErrInvalidUTF8):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeReply(w http.ResponseWriter, result interface{}, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(err))
	_, _ = w.Write(respond(result, err))
}
