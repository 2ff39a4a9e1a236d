package schemas

import "github.com/Kimchiigu/PHiscord/internal/store"

const (
	usersCollection         store.Path = "Users"
	notificationsCollection store.Path = "Notifications"
	conversationsCollection store.Path = "DirectMessages"
	serversCollection       store.Path = "Servers"
)

// Identity names the signed-in user. It is handed explicitly to every component
// that acts on the user's behalf.
type Identity struct {
	UserID      string
	DisplayName string
}

func UserPath(userID string) store.Path { return usersCollection.Doc(userID) }

func NotificationsPath() store.Path { return notificationsCollection }

func NotificationPath(id string) store.Path { return notificationsCollection.Doc(id) }

func ConversationsPath() store.Path { return conversationsCollection }

func ConversationPath(dmID string) store.Path { return conversationsCollection.Doc(dmID) }

func ConversationMessagesPath(dmID string) store.Path {
	return ConversationPath(dmID).Collection("Messages")
}

func ServerPath(serverID string) store.Path { return serversCollection.Doc(serverID) }

func ChannelsPath(serverID string) store.Path { return ServerPath(serverID).Collection("Channels") }

func ChannelPath(serverID, channelID string) store.Path {
	return ChannelsPath(serverID).Doc(channelID)
}

func ChannelMessagesPath(serverID, channelID string) store.Path {
	return ChannelPath(serverID, channelID).Collection("Messages")
}

func MembersPath(serverID string) store.Path { return ServerPath(serverID).Collection("Members") }

func MemberPath(serverID, userID string) store.Path { return MembersPath(serverID).Doc(userID) }

func NicknamesPath(userID string) store.Path { return UserPath(userID).Collection("Nicknames") }

func NicknamePath(userID, serverID string) store.Path { return NicknamesPath(userID).Doc(serverID) }
