// Package keyspace defines the store key schema and the TTL policy shared by
// every component:
//
//	user:<userId>:connections          set of connection ids, no TTL
//	user:<userId>:active_chat          room id, room window
//	chat:room:<roomId>:participants    set of two user ids, room window
//	chat:room:<roomId>:messages        list of JSON messages, message window
package keyspace

import "time"

const (
	// DefaultRoomTTL is the idle window after which a room and the pointers
	// to it expire.
	DefaultRoomTTL = time.Hour

	// DefaultMessageTTL is the idle window of a room's message log.
	DefaultMessageTTL = time.Hour
)

// TTLPolicy holds the sliding windows refreshed on room activity.
type TTLPolicy struct {
	Room    time.Duration
	Message time.Duration
}

// DefaultTTLPolicy returns the one-hour windows used by the original service.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{Room: DefaultRoomTTL, Message: DefaultMessageTTL}
}

// UserConnections is the set of connection handles of a user.
func UserConnections(userID string) string {
	return "user:" + userID + ":connections"
}

// UserActiveRoom is the user's session pointer.
func UserActiveRoom(userID string) string {
	return "user:" + userID + ":active_chat"
}

// RoomParticipants is the participant set of a room.
func RoomParticipants(roomID string) string {
	return "chat:room:" + roomID + ":participants"
}

// RoomMessages is the ordered message log of a room.
func RoomMessages(roomID string) string {
	return "chat:room:" + roomID + ":messages"
}

// RoomMessagesStaging is a scratch list used to rebuild a room's log before
// it is renamed over the live key.
func RoomMessagesStaging(roomID, token string) string {
	return RoomMessages(roomID) + ":staging:" + token
}
