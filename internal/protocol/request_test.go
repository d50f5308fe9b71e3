package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Request
	}{
		{"play with track", `{"action":"play","track_id":"t1"}`, Request{Action: ActionPlay, TrackID: "t1"}},
		{"play without track", `{"action":"play"}`, Request{Action: ActionPlay}},
		{"play with numeric track", `{"action":"play","track_id":42}`, Request{Action: ActionPlay}},
		{"play with extra fields", `{"track_id":"t2","volume":3,"action":"play"}`, Request{Action: ActionPlay, TrackID: "t2"}},
		{"pause", `{"action":"pause"}`, Request{Action: ActionPause}},
		{"pause ignores track", `{"action":"pause","track_id":"t1"}`, Request{Action: ActionPause}},
		{"unknown action", `{"action":"stop"}`, Request{Action: ActionUnknown}},
		{"case sensitive", `{"action":"PLAY"}`, Request{Action: ActionUnknown}},
		{"action not a string", `{"action":1}`, Request{Action: ActionUnknown}},
		{"missing action", `{"track_id":"t1"}`, Request{Action: ActionUnknown}},
		{"malformed json", `{"action":"play"`, Request{Action: ActionUnknown}},
		{"array payload", `["play"]`, Request{Action: ActionUnknown}},
		{"bare string", `"play"`, Request{Action: ActionUnknown}},
		{"substring is not enough", `xx "play" yy`, Request{Action: ActionUnknown}},
		{"empty", ``, Request{Action: ActionUnknown}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse([]byte(tt.payload)))
		})
	}
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "play", ActionPlay.String())
	assert.Equal(t, "pause", ActionPause.String())
	assert.Equal(t, "unknown", ActionUnknown.String())
}
