package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ContentKind classifies what a message carries.
type ContentKind string

const (
	KindText     ContentKind = "TEXT"
	KindImage    ContentKind = "IMAGE"
	KindVideo    ContentKind = "VIDEO"
	KindAudio    ContentKind = "AUDIO"
	KindDocument ContentKind = "DOCUMENT"
)

// RoomType tells the server which family a room key belongs to.
type RoomType string

const (
	RoomDirect RoomType = "direct"
	RoomTask   RoomType = "task"
)

// TempIDPrefix marks client-generated correlation ids.
const TempIDPrefix = "temp-"

// MessageID is a message identifier. The server sends numeric ids, the
// client generates string correlation ids, so both JSON forms are accepted.
type MessageID string

func (id *MessageID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = MessageID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("message id: %w", err)
	}
	*id = MessageID(n.String())
	return nil
}

// IsTemp reports whether the id is a client correlation id.
func (id MessageID) IsTemp() bool {
	return strings.HasPrefix(string(id), TempIDPrefix)
}

// Int returns the numeric server id, if the id is one.
func (id MessageID) Int() (int64, bool) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	return n, err == nil
}

// Sender is the denormalized sender snapshot captured at send time.
type Sender struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

type User struct {
	ID        int       `json:"id"`
	Username  string    `json:"username"`
	AvatarURL *string   `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Message struct {
	ID          MessageID   `json:"id"`
	RoomID      string      `json:"roomId,omitempty"`
	Content     string      `json:"content"`
	SenderID    int         `json:"senderId"`
	Sender      Sender      `json:"sender"`
	CreatedAt   time.Time   `json:"createdAt"`
	MessageType ContentKind `json:"messageType,omitempty"`
	FileName    string      `json:"fileName,omitempty"`
	FileSize    int64       `json:"fileSize,omitempty"`
	FileData    string      `json:"fileData,omitempty"`
	TempID      MessageID   `json:"tempId,omitempty"`

	// Confirmed is false while the message is an optimistic local echo.
	Confirmed bool `json:"-"`
}

// Kind returns the message kind, treating an absent type as text.
func (m Message) Kind() ContentKind {
	if m.MessageType == "" {
		return KindText
	}
	return m.MessageType
}

// ServerError is an error pushed by the server on the error event.
type ServerError struct {
	Message string `json:"message,omitempty"`
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return "server error"
	}
	return "server error: " + e.Message
}
