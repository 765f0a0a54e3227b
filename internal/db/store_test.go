package db

import (
	"context"
	"errors"
	"testing"

	"github.com/4xmen/taskchat/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	_, err = db.conn.Exec(`
		INSERT INTO users (id, username, password_hash, avatar_url) VALUES (3, 'alice', 'x', '/a.png');
		INSERT INTO users (id, username, password_hash) VALUES (7, 'bob', 'x');
		INSERT INTO users (id, username, password_hash) VALUES (9, 'carol', 'x');
	`)
	if err != nil {
		t.Fatalf("Failed to seed users: %v", err)
	}
	return db
}

var alice = models.Sender{ID: 3, Username: "alice", Avatar: "/a.png"}

func TestSaveAndLoadMessages(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	saved, err := db.SaveMessage(ctx, NewMessage{
		RoomID:   "direct-3-7",
		RoomType: models.RoomDirect,
		Sender:   alice,
		Content:  "hello",
		TempID:   "temp-1-a",
	})
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if saved.ID != "1" || saved.TempID != "temp-1-a" || saved.MessageType != models.KindText {
		t.Fatalf("unexpected saved message: %+v", saved)
	}
	if saved.Sender != alice {
		t.Fatalf("sender snapshot = %+v, want %+v", saved.Sender, alice)
	}
	if saved.CreatedAt.IsZero() {
		t.Fatal("created_at not set")
	}

	_, err = db.SaveMessage(ctx, NewMessage{
		RoomID: "direct-3-7", RoomType: models.RoomDirect, Sender: alice,
		MessageType: models.KindImage, FileName: "p.png", FileSize: 3, FileData: "AAAA",
	})
	if err != nil {
		t.Fatalf("SaveMessage attachment: %v", err)
	}
	if _, err := db.SaveMessage(ctx, NewMessage{RoomID: "task-1-2", RoomType: models.RoomTask, Sender: alice, Content: "x"}); err != nil {
		t.Fatalf("SaveMessage other room: %v", err)
	}

	history, err := db.RoomMessages(ctx, "direct-3-7", 0, 0)
	if err != nil {
		t.Fatalf("RoomMessages: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("got %d messages, want 2", len(history))
	}
	if history[0].Content != "hello" || history[1].FileName != "p.png" || history[1].FileData != "AAAA" {
		t.Fatalf("history out of order or incomplete: %+v", history)
	}

	older, err := db.RoomMessages(ctx, "direct-3-7", 2, 10)
	if err != nil {
		t.Fatalf("RoomMessages before: %v", err)
	}
	if len(older) != 1 || older[0].ID != "1" {
		t.Fatalf("paging returned %+v", older)
	}
}

func TestRoomMessagesKeepsNewestWithinLimit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := db.SaveMessage(ctx, NewMessage{RoomID: "direct-3-7", RoomType: models.RoomDirect, Sender: alice, Content: "m"}); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	got, err := db.RoomMessages(ctx, "direct-3-7", 0, 2)
	if err != nil {
		t.Fatalf("RoomMessages: %v", err)
	}
	if len(got) != 2 || got[0].ID != "4" || got[1].ID != "5" {
		t.Fatalf("expected the two newest in ascending order, got %+v", got)
	}
}

func TestDeleteMessage(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	saved, err := db.SaveMessage(ctx, NewMessage{RoomID: "direct-3-7", RoomType: models.RoomDirect, Sender: alice, Content: "oops"})
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	id, _ := saved.ID.Int()

	if _, err := db.DeleteMessage(ctx, id, 7); !errors.Is(err, ErrForbidden) {
		t.Fatalf("delete by non-sender: got %v, want ErrForbidden", err)
	}

	roomID, err := db.DeleteMessage(ctx, id, 3)
	if err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if roomID != "direct-3-7" {
		t.Fatalf("roomID = %q", roomID)
	}

	if _, err := db.DeleteMessage(ctx, id, 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: got %v, want ErrNotFound", err)
	}
}

func TestTaskAssignees(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	open, err := db.CanJoinTask(ctx, 1, 2, 9)
	if err != nil || !open {
		t.Fatalf("task without assignees must be open: %v %v", open, err)
	}

	for _, id := range []int{7, 3, 7} {
		if err := db.SetTaskAssignee(ctx, 1, 2, id); err != nil {
			t.Fatalf("SetTaskAssignee(%d): %v", id, err)
		}
	}
	if err := db.SetTaskAssignee(ctx, 1, 2, 404); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown user: got %v", err)
	}

	assignees, err := db.TaskAssignees(ctx, 1, 2)
	if err != nil {
		t.Fatalf("TaskAssignees: %v", err)
	}
	if len(assignees) != 2 || assignees[0].Username != "alice" || assignees[1].Username != "bob" {
		t.Fatalf("assignees = %+v", assignees)
	}

	if ok, _ := db.CanJoinTask(ctx, 1, 2, 9); ok {
		t.Fatal("non-assignee allowed into restricted task")
	}
	if ok, _ := db.CanJoinTask(ctx, 1, 2, 7); !ok {
		t.Fatal("assignee refused")
	}

	if err := db.RemoveTaskAssignee(ctx, 1, 2, 7); err != nil {
		t.Fatalf("RemoveTaskAssignee: %v", err)
	}
	if err := db.RemoveTaskAssignee(ctx, 1, 2, 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove: got %v", err)
	}
}

func TestStats(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.SaveMessage(ctx, NewMessage{RoomID: "direct-3-7", RoomType: models.RoomDirect, Sender: alice, Content: "a"})
	db.SaveMessage(ctx, NewMessage{RoomID: "task-1-2", RoomType: models.RoomTask, Sender: alice, MessageType: models.KindDocument, FileName: "r.pdf", FileSize: 120})

	s, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.Users != 3 || s.Rooms != 2 || s.Messages != 2 || s.Attachments != 1 || s.AttachmentBytes != 120 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if s.MessagesLast24h != 2 || s.LatestMessageAt == "" {
		t.Fatalf("unexpected recency stats: %+v", s)
	}
}
