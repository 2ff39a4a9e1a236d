package schemas

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kimchiigu/PHiscord/internal/store"
)

func TestDecodeCallSession(t *testing.T) {
	started := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	fields, err := store.Normalize(store.Fields{
		"participants": []string{"a", "b"},
		"callStatus":   "waiting",
		"callData": map[string]any{
			"callId":      "c1",
			"from":        "a",
			"to":          "b",
			"displayName": "Ann",
			"type":        "video",
			"startedAt":   started,
		},
		"unrelated": 42,
	})
	require.NoError(t, err)

	var c CallSession
	require.NoError(t, Decode(fields, &c))
	assert.Equal(t, []string{"a", "b"}, c.Participants)
	assert.Equal(t, CallWaiting, c.Status())
	require.NotNil(t, c.CallData)
	assert.Equal(t, "c1", c.CallID())
	assert.Equal(t, CallVideo, c.CallData.Type)
	assert.True(t, started.Equal(c.CallData.StartedAt))
}

func TestDecodeRejectsInvalidRecords(t *testing.T) {
	tests := []struct {
		name   string
		fields store.Fields
		out    any
	}{
		{"unknown call status", store.Fields{"callStatus": "ringing"}, &CallSession{}},
		{"waiting without data", store.Fields{"callStatus": "waiting"}, &CallSession{}},
		{"unknown role", store.Fields{"userId": "u1", "role": "king"}, &Member{}},
		{"unknown notification type", store.Fields{"userId": "u1", "type": "Email"}, &Notification{}},
		{"wrong field type", store.Fields{"isOnline": "yes"}, &Presence{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, Decode(tt.fields, tt.out))
		})
	}
}

func TestDecodeMissingFieldsAreZero(t *testing.T) {
	var p Presence
	require.NoError(t, Decode(store.Fields{"isMuted": true}, &p))
	assert.Equal(t, Presence{IsMuted: true}, p)
	assert.Equal(t, "Offline", p.Status())

	var c CallSession
	require.NoError(t, Decode(store.Fields{}, &c))
	assert.Equal(t, CallIdle, c.Status())
	assert.Empty(t, c.CallID())
}

func TestToFields(t *testing.T) {
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	f, err := ToFields(Notification{ID: "ignored", UserID: "u1", Type: NotifyDM, Timestamp: at})
	require.NoError(t, err)
	assert.NotContains(t, f, "ID")
	assert.NotContains(t, f, "channelName")
	assert.Equal(t, "2024-05-01T00:00:00Z", f["timestamp"])

	var n Notification
	require.NoError(t, Decode(f, &n))
	assert.True(t, at.Equal(n.Timestamp))
}
