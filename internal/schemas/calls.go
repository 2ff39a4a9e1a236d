package schemas

import (
	"fmt"
	"time"
)

// CallStatus is the state of the call record on a conversation. The empty value
// reads as idle.
type CallStatus string

const (
	CallIdle     CallStatus = "idle"
	CallWaiting  CallStatus = "waiting"
	CallAccepted CallStatus = "accepted"
	CallDeclined CallStatus = "declined"
	CallEnded    CallStatus = "ended"
)

func (s CallStatus) Valid() bool {
	switch s {
	case "", CallIdle, CallWaiting, CallAccepted, CallDeclined, CallEnded:
		return true
	}
	return false
}

// Active reports whether a call is ringing or connected.
func (s CallStatus) Active() bool {
	return s == CallWaiting || s == CallAccepted
}

type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallVoice || t == CallVideo
}

// EndReason says why a call reached ended.
type EndReason string

const (
	EndHangup   EndReason = "hangup"
	EndDeclined EndReason = "declined"
	EndTimeout  EndReason = "timeout"
)

func (r EndReason) Valid() bool {
	switch r {
	case "", EndHangup, EndDeclined, EndTimeout:
		return true
	}
	return false
}

// CallData describes one call attempt. CallID scopes every transition after the
// offer, so a late write from an old call cannot touch a newer one.
type CallData struct {
	CallID      string    `json:"callId"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	DisplayName string    `json:"displayName"`
	Type        CallType  `json:"type"`
	StartedAt   time.Time `json:"startedAt"`
}

// CallSession is the call part of a DirectMessages/{dmDocId} document.
type CallSession struct {
	Participants []string   `json:"participants"`
	CallStatus   CallStatus `json:"callStatus,omitempty"`
	CallData     *CallData  `json:"callData,omitempty"`
	EndReason    EndReason  `json:"endReason,omitempty"`
}

func (c CallSession) Validate() error {
	if !c.CallStatus.Valid() {
		return fmt.Errorf("invalid call status %q", c.CallStatus)
	}
	if !c.EndReason.Valid() {
		return fmt.Errorf("invalid end reason %q", c.EndReason)
	}
	if c.CallData != nil && c.CallData.Type != "" && !c.CallData.Type.Valid() {
		return fmt.Errorf("invalid call type %q", c.CallData.Type)
	}
	if c.CallStatus.Active() && c.CallData == nil {
		return fmt.Errorf("call is %s without call data", c.CallStatus)
	}
	return nil
}

// Status returns the call status, treating an empty value as idle.
func (c CallSession) Status() CallStatus {
	if c.CallStatus == "" {
		return CallIdle
	}
	return c.CallStatus
}

// CallID returns the id of the current or last call, if any.
func (c CallSession) CallID() string {
	if c.CallData == nil {
		return ""
	}
	return c.CallData.CallID
}
