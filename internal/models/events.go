package models

import "encoding/json"

// Event names shared by the client and the relay server.
const (
	EventJoinRoom      = "joinRoom"
	EventJoinTaskRoom  = "joinTaskRoom"
	EventLeaveRoom     = "leaveRoom"
	EventGetMessages   = "getMessages"
	EventSendMessage   = "sendMessage"
	EventSendComment   = "sendComment"
	EventFileChunk     = "fileChunk"
	EventTyping        = "typing"
	EventDeleteMessage = "deleteMessage"

	EventNewMessage     = "newMessage"
	EventMessageHistory = "messageHistory"
	EventMessageDeleted = "messageDeleted"
	EventUserOnline     = "userOnline"
	EventUserOffline    = "userOffline"
	EventError          = "error"

	// Emitted locally by the connection manager, never sent on the wire.
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// Envelope is the frame layout: one event per websocket text message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinRoomPayload struct {
	RoomID        string   `json:"roomId"`
	RoomType      RoomType `json:"roomType"`
	CurrentUserID int      `json:"currentUserId,omitempty"`
}

type LeaveRoomPayload struct {
	RoomID   string   `json:"roomId"`
	RoomType RoomType `json:"roomType"`
}

type GetMessagesPayload struct {
	RoomID   string   `json:"roomId"`
	RoomType RoomType `json:"roomType"`
}

type SendMessagePayload struct {
	Content     string      `json:"content"`
	RoomID      string      `json:"roomId"`
	RoomType    RoomType    `json:"roomType"`
	SenderID    int         `json:"senderId"`
	MessageType ContentKind `json:"messageType"`
	FileName    string      `json:"fileName,omitempty"`
	FileSize    int64       `json:"fileSize,omitempty"`
	FileData    string      `json:"fileData,omitempty"`
	TempID      MessageID   `json:"tempId"`
	Temp        bool        `json:"temp,omitempty"`
}

// FileChunkPayload repeats the send envelope on every slice so each one is
// addressable on its own. FileData is always empty on chunks.
type FileChunkPayload struct {
	SendMessagePayload
	Chunk       string `json:"chunk"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
}

type TypingPayload struct {
	RoomID   string   `json:"roomId"`
	RoomType RoomType `json:"roomType"`
}

type DeleteMessagePayload struct {
	MessageID MessageID `json:"messageId"`
	RoomID    string    `json:"roomId"`
}

type MessageHistoryEvent struct {
	RoomID   string    `json:"roomId,omitempty"`
	RoomType RoomType  `json:"roomType"`
	Messages []Message `json:"messages"`
}

type TypingEvent struct {
	Username string `json:"username"`
	RoomID   string `json:"roomId,omitempty"`
}
