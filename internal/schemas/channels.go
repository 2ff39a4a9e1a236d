package schemas

import "time"

type ChannelType string

const (
	ChannelText  ChannelType = "text"
	ChannelVoice ChannelType = "voice"
)

// Channel is the Servers/{serverId}/Channels/{channelId} document. For voice
// channels, Participants lists who is connected.
type Channel struct {
	Name         string      `json:"name"`
	Type         ChannelType `json:"type"`
	Participants []string    `json:"participants"`
}

// Message is a document in a Messages sub-collection.
type Message struct {
	UserID    string    `json:"userId"`
	User      string    `json:"user"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
