// Package admin exposes the relay's operator operations over the NATS
// control plane. Requests and replies are JSON.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/huddle/relay/internal/messaging"
	"github.com/huddle/relay/internal/relay"
)

// Core is the subset of the relay the admin plane drives.
type Core interface {
	Kick(name string, duration time.Duration) (relay.KickResult, error)
	Unban(target string) (relay.UnbanResult, error)
	AdminBroadcast(text string) error
	ClearHistory()
	Snapshot() relay.Snapshot
}

// KickRequest removes name from the room. Seconds > 0 also bans the device.
type KickRequest struct {
	Name    string `json:"name"`
	Seconds int    `json:"seconds,omitempty"`
}

// UnbanRequest lifts a ban by device token or display name.
type UnbanRequest struct {
	Target string `json:"target"`
}

// BroadcastRequest sends an operator notice to the room.
type BroadcastRequest struct {
	Text string `json:"text"`
}

// Reply is the envelope of every admin response.
type Reply struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// MaxBanSeconds caps the ban length an operator may request.
const MaxBanSeconds = 365 * 24 * 60 * 60

// ErrBadRequest is returned for requests that fail to decode or validate.
var ErrBadRequest = errors.New("admin: bad request")

// Handler turns raw request payloads into relay calls.
type Handler struct {
	core Core
}

// NewHandler creates a Handler driving core.
func NewHandler(core Core) *Handler {
	return &Handler{core: core}
}

// Kick runs a kick request.
func (h *Handler) Kick(req KickRequest) (relay.KickResult, error) {
	if req.Name == "" || req.Seconds < 0 {
		return relay.KickResult{}, fmt.Errorf("%w: kick needs a name and non-negative seconds", ErrBadRequest)
	}
	if req.Seconds > MaxBanSeconds {
		return relay.KickResult{}, fmt.Errorf("%w: ban of %d seconds exceeds %d", ErrBadRequest, req.Seconds, MaxBanSeconds)
	}
	res, err := h.core.Kick(req.Name, time.Duration(req.Seconds)*time.Second)
	if err != nil {
		return relay.KickResult{}, err
	}
	log.Printf("admin: kick name=%s seconds=%d online=%t", res.Name, req.Seconds, res.Online)
	return res, nil
}

// Unban runs an unban request.
func (h *Handler) Unban(req UnbanRequest) (relay.UnbanResult, error) {
	if req.Target == "" {
		return relay.UnbanResult{}, fmt.Errorf("%w: unban needs a target", ErrBadRequest)
	}
	return h.core.Unban(req.Target)
}

// Broadcast runs a broadcast request.
func (h *Handler) Broadcast(req BroadcastRequest) error {
	return h.core.AdminBroadcast(req.Text)
}

// HandleKick serves relay.admin.kick.
func (h *Handler) HandleKick(data []byte) []byte {
	var req KickRequest
	if err := decode(data, &req); err != nil {
		return failure(err)
	}
	return respond(h.Kick(req))
}

// HandleUnban serves relay.admin.unban.
func (h *Handler) HandleUnban(data []byte) []byte {
	var req UnbanRequest
	if err := decode(data, &req); err != nil {
		return failure(err)
	}
	return respond(h.Unban(req))
}

// HandleBroadcast serves relay.admin.broadcast.
func (h *Handler) HandleBroadcast(data []byte) []byte {
	var req BroadcastRequest
	if err := decode(data, &req); err != nil {
		return failure(err)
	}
	return respond(nil, h.Broadcast(req))
}

// HandleClear serves relay.admin.clear.
func (h *Handler) HandleClear(_ []byte) []byte {
	h.core.ClearHistory()
	return success(nil)
}

// HandleStats serves relay.admin.stats with the full snapshot.
func (h *Handler) HandleStats(_ []byte) []byte {
	return success(h.core.Snapshot())
}

// Bind subscribes every admin subject on nc.
func Bind(nc *messaging.NATSClient, h *Handler) error {
	routes := []struct {
		subject string
		fn      func([]byte) []byte
	}{
		{messaging.SubjectAdminKick, h.HandleKick},
		{messaging.SubjectAdminUnban, h.HandleUnban},
		{messaging.SubjectAdminBroadcast, h.HandleBroadcast},
		{messaging.SubjectAdminClear, h.HandleClear},
		{messaging.SubjectAdminStats, h.HandleStats},
	}
	for _, r := range routes {
		if err := nc.Serve(r.subject, r.fn); err != nil {
			return fmt.Errorf("admin: bind %s: %w", r.subject, err)
		}
	}
	log.Printf("admin: control plane listening on relay.admin.*")
	return nil
}

// DecodeReply parses a reply and turns a failure into an error. When out is
// non-nil the result is decoded into it.
func DecodeReply(data []byte, out interface{}) error {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("admin: decode reply: %w", err)
	}
	if !r.OK {
		return errors.New(r.Error)
	}
	if out != nil && len(r.Result) > 0 {
		if err := json.Unmarshal(r.Result, out); err != nil {
			return fmt.Errorf("admin: decode result: %w", err)
		}
	}
	return nil
}

func decode(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

func respond(result interface{}, err error) []byte {
	if err != nil {
		return failure(err)
	}
	return success(result)
}

func success(result interface{}) []byte {
	r := Reply{OK: true}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return failure(fmt.Errorf("admin: encode result: %w", err))
		}
		r.Result = raw
	}
	data, _ := json.Marshal(r)
	return data
}

func failure(err error) []byte {
	data, _ := json.Marshal(Reply{Error: err.Error()})
	return data
}
