// Package protocol parses the JSON control messages clients send over the
// WebSocket:
//
//	{"action":"play","track_id":"t1"}
//	{"action":"pause"}
//
// Anything else parses to Unknown and is ignored by the server.
package protocol

import (
	"github.com/tidwall/gjson"
)

// Action is the kind of a control request
type Action int

const (
	ActionUnknown Action = iota
	ActionPlay
	ActionPause
)

// String returns the wire name of the action
func (a Action) String() string {
	switch a {
	case ActionPlay:
		return "play"
	case ActionPause:
		return "pause"
	default:
		return "unknown"
	}
}

// Request is a parsed control message. TrackID is only set for play and may
// be empty, in which case the server's default track is used.
type Request struct {
	Action  Action
	TrackID string
}

// Parse decodes a control message. It never fails: malformed JSON, a missing
// or unrecognized action, or a non-object payload yield ActionUnknown.
// Action names are case-sensitive.
func Parse(payload []byte) Request {
	if !gjson.ValidBytes(payload) {
		return Request{Action: ActionUnknown}
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return Request{Action: ActionUnknown}
	}

	action := root.Get("action")
	if action.Type != gjson.String {
		return Request{Action: ActionUnknown}
	}

	switch action.Str {
	case "play":
		req := Request{Action: ActionPlay}
		if track := root.Get("track_id"); track.Type == gjson.String {
			req.TrackID = track.Str
		}
		return req
	case "pause":
		return Request{Action: ActionPause}
	default:
		return Request{Action: ActionUnknown}
	}
}
