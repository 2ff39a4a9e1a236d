package schemas

import (
	"fmt"
	"time"
)

type NotificationType string

const (
	NotifyDM      NotificationType = "DM"
	NotifyChannel NotificationType = "Channel"
)

func (t NotificationType) Valid() bool {
	return t == NotifyDM || t == NotifyChannel
}

// Notification is a Notifications/{id} document. There is no read flag: deleting
// the document acknowledges it.
type Notification struct {
	ID          string           `json:"-"`
	UserID      string           `json:"userId"`
	Type        NotificationType `json:"type"`
	Sender      string           `json:"sender"`
	SenderID    string           `json:"senderId"`
	Content     string           `json:"content"`
	DocID       string           `json:"docId"`
	ChannelName string           `json:"channelName,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

func (n Notification) Validate() error {
	if !n.Type.Valid() {
		return fmt.Errorf("invalid notification type %q", n.Type)
	}
	if n.UserID == "" {
		return fmt.Errorf("notification without recipient")
	}
	return nil
}
