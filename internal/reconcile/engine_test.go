package reconcile

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4xmen/taskchat/internal/attach"
	"github.com/4xmen/taskchat/internal/models"
)

type emitted struct {
	event   string
	payload any
}

type recorder struct {
	events []emitted
	err    error
}

func (r *recorder) Emit(event string, payload any) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, emitted{event, payload})
	return nil
}

var (
	alice = models.Sender{ID: 3, Username: "alice", Avatar: "/a.png"}
	bob   = models.Sender{ID: 7, Username: "bob"}
	epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

func newEngine(t *testing.T, rec *recorder) *Engine {
	t.Helper()
	seq := 0
	e := New(rec, alice,
		WithClock(func() time.Time { return epoch }),
		WithIDGenerator(func(now time.Time) models.MessageID {
			seq++
			return models.MessageID(fmt.Sprintf("temp-%d-%d", now.UnixMilli(), seq))
		}),
	)
	e.Track("direct-3-7", models.RoomDirect)
	return e
}

func serverMessage(id string, sender models.Sender, text string) models.Message {
	return models.Message{
		ID:          models.MessageID(id),
		Content:     text,
		SenderID:    sender.ID,
		Sender:      sender,
		CreatedAt:   epoch.Add(time.Second),
		MessageType: models.KindText,
	}
}

func TestSendTextScenario(t *testing.T) {
	rec := &recorder{}
	e := newEngine(t, rec)

	pending, err := e.SendText("direct-3-7", "hello", SendOptions{})
	require.NoError(t, err)
	assert.False(t, pending.Confirmed)
	assert.True(t, pending.ID.IsTemp())
	assert.Equal(t, alice, pending.Sender)

	require.Len(t, rec.events, 1)
	assert.Equal(t, models.EventSendMessage, rec.events[0].event)
	assert.Equal(t, models.SendMessagePayload{
		Content:     "hello",
		RoomID:      "direct-3-7",
		RoomType:    models.RoomDirect,
		SenderID:    3,
		MessageType: models.KindText,
		TempID:      pending.ID,
	}, rec.events[0].payload)

	msgs := e.Messages("direct-3-7")
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Confirmed)

	res, ok := e.OnServerMessage("direct-3-7", serverMessage("41", alice, "hello"))
	require.True(t, ok)
	assert.Equal(t, Result{Index: 0, Replaced: true}, res)

	msgs = e.Messages("direct-3-7")
	require.Len(t, msgs, 1, "echo must collapse into the optimistic entry")
	assert.True(t, msgs[0].Confirmed)
	assert.Equal(t, models.MessageID("41"), msgs[0].ID)
	assert.Empty(t, e.Pending("direct-3-7"))
}

func TestReconcileKeepsPosition(t *testing.T) {
	rec := &recorder{}
	e := newEngine(t, rec)

	_, err := e.SendText("direct-3-7", "first", SendOptions{})
	require.NoError(t, err)
	e.OnServerMessage("direct-3-7", serverMessage("50", bob, "interleaved"))

	res, _ := e.OnServerMessage("direct-3-7", serverMessage("51", alice, "first"))
	assert.Equal(t, 0, res.Index)

	msgs := e.Messages("direct-3-7")
	require.Len(t, msgs, 2)
	assert.Equal(t, models.MessageID("51"), msgs[0].ID, "confirmed entry stays where it was inserted")
	assert.Equal(t, models.MessageID("50"), msgs[1].ID)
}

func TestReconcileOldestMatchWins(t *testing.T) {
	rec := &recorder{}
	e := newEngine(t, rec)

	first, _ := e.SendText("direct-3-7", "ok", SendOptions{})
	second, _ := e.SendText("direct-3-7", "ok", SendOptions{})
	require.NotEqual(t, first.ID, second.ID, "second send is an independent pending entry")
	require.Len(t, e.Pending("direct-3-7"), 2)

	e.OnServerMessage("direct-3-7", serverMessage("60", alice, "ok"))

	msgs := e.Messages("direct-3-7")
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].Confirmed)
	assert.Equal(t, models.MessageID("60"), msgs[0].ID)
	assert.False(t, msgs[1].Confirmed)
	assert.Equal(t, second.ID, msgs[1].ID)
}

func TestReconcileRequiresSameKindAndSender(t *testing.T) {
	rec := &recorder{}
	e := newEngine(t, rec)
	_, _ = e.SendText("direct-3-7", "same", SendOptions{})

	other := serverMessage("70", bob, "same")
	e.OnServerMessage("direct-3-7", other)

	image := serverMessage("71", alice, "same")
	image.MessageType = models.KindImage
	e.OnServerMessage("direct-3-7", image)

	msgs := e.Messages("direct-3-7")
	require.Len(t, msgs, 3)
	assert.False(t, msgs[0].Confirmed)
}

func TestServerMessageWithoutTypeMatchesText(t *testing.T) {
	rec := &recorder{}
	e := newEngine(t, rec)
	_, _ = e.SendText("direct-3-7", "hi", SendOptions{})

	echo := serverMessage("80", alice, "hi")
	echo.MessageType = ""
	e.OnServerMessage("direct-3-7", echo)

	assert.Len(t, e.Messages("direct-3-7"), 1)
	assert.Empty(t, e.Pending("direct-3-7"))
}

func TestDuplicateServerIDReplaces(t *testing.T) {
	rec := &recorder{}
	e := newEngine(t, rec)

	e.OnServerMessage("direct-3-7", serverMessage("90", bob, "v1"))
	e.OnServerMessage("direct-3-7", serverMessage("90", bob, "v1"))

	assert.Len(t, e.Messages("direct-3-7"), 1)
}

func TestLoadHistoryPreservesPending(t *testing.T) {
	rec := &recorder{}
	e := newEngine(t, rec)

	e.OnServerMessage("direct-3-7", serverMessage("1", bob, "old"))
	pending, _ := e.SendText("direct-3-7", "unsent", SendOptions{})

	history := []models.Message{
		serverMessage("1", bob, "old"),
		serverMessage("2", alice, "earlier"),
	}
	msgs, ok := e.LoadHistory("direct-3-7", history)
	require.True(t, ok)
	require.Len(t, msgs, 3)
	assert.Equal(t, models.MessageID("1"), msgs[0].ID)
	assert.Equal(t, models.MessageID("2"), msgs[1].ID)
	assert.True(t, msgs[1].Confirmed)
	assert.Equal(t, "direct-3-7", msgs[1].RoomID)
	assert.Equal(t, pending.ID, msgs[2].ID)
	assert.False(t, msgs[2].Confirmed)
}

func TestLoadHistoryDropsPendingEchoedByTempID(t *testing.T) {
	rec := &recorder{}
	e := newEngine(t, rec)
	pending, _ := e.SendText("direct-3-7", "raced", SendOptions{})

	stored := serverMessage("5", alice, "raced")
	stored.TempID = pending.ID
	msgs, _ := e.LoadHistory("direct-3-7", []models.Message{stored})

	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Confirmed)
	assert.Empty(t, e.Pending("direct-3-7"))
}

func TestLoadHistoryReplacesConfirmed(t *testing.T) {
	rec := &recorder{}
	e := newEngine(t, rec)
	e.OnServerMessage("direct-3-7", serverMessage("1", bob, "gone"))

	msgs, _ := e.LoadHistory("direct-3-7", nil)
	assert.Empty(t, msgs)
}

func TestUntrackedRoomIsNoOp(t *testing.T) {
	rec := &recorder{}
	e := newEngine(t, rec)

	_, ok := e.OnServerMessage("direct-1-2", serverMessage("1", bob, "x"))
	assert.False(t, ok)
	_, ok = e.LoadHistory("direct-1-2", nil)
	assert.False(t, ok)
	assert.Nil(t, e.Messages("direct-1-2"))

	_, err := e.SendText("direct-1-2", "x", SendOptions{})
	assert.True(t, errors.Is(err, ErrRoomNotTracked))
	assert.Empty(t, rec.events)
}

func TestOnServerDelete(t *testing.T) {
	rec := &recorder{}
	e := newEngine(t, rec)
	e.Track("task-1-2", models.RoomTask)
	e.OnServerMessage("direct-3-7", serverMessage("1", bob, "a"))
	e.OnServerMessage("task-1-2", serverMessage("2", bob, "b"))

	room, ok := e.OnServerDelete("2")
	assert.True(t, ok)
	assert.Equal(t, "task-1-2", room)
	assert.Empty(t, e.Messages("task-1-2"))
	assert.Len(t, e.Messages("direct-3-7"), 1)

	_, ok = e.OnServerDelete("404")
	assert.False(t, ok)
}

func TestSendTextRejectsEmpty(t *testing.T) {
	rec := &recorder{}
	e := newEngine(t, rec)

	_, err := e.SendText("direct-3-7", "   ", SendOptions{})
	assert.True(t, errors.Is(err, ErrEmptyMessage))
	assert.Empty(t, e.Messages("direct-3-7"))
}

func TestEmitFailureKeepsPending(t *testing.T) {
	rec := &recorder{err: errors.New("not connected")}
	e := newEngine(t, rec)

	m, err := e.SendText("direct-3-7", "lost", SendOptions{Temp: true})
	require.Error(t, err)
	assert.Equal(t, "lost", m.Content)
	assert.Len(t, e.Pending("direct-3-7"), 1)
}

func TestSendAttachmentValidationBeforeInsert(t *testing.T) {
	rec := &recorder{}
	e := newEngine(t, rec)

	_, err := e.SendAttachment("direct-3-7", attach.File{Name: "x.exe", MIMEType: "application/x-msdownload", Data: []byte("MZ")}, "", SendOptions{})
	assert.True(t, errors.Is(err, attach.ErrUnsupportedType))
	assert.Empty(t, e.Messages("direct-3-7"))
	assert.Empty(t, rec.events)
}

func TestSendAttachmentSmallAndChunked(t *testing.T) {
	rec := &recorder{}
	e := New(rec, alice, WithLimits(attach.Limits{ChunkSize: 16}))
	e.Track("task-2-5", models.RoomTask)

	small, err := e.SendAttachment("task-2-5", attach.File{Name: "s.png", MIMEType: "image/png", Data: []byte("tiny")}, " look ", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.KindImage, small.MessageType)
	assert.Equal(t, "look", small.Content)
	require.Len(t, rec.events, 1)
	assert.Equal(t, models.EventSendMessage, rec.events[0].event)

	big, err := e.SendAttachment("task-2-5", attach.File{Name: "b.pdf", MIMEType: "application/pdf", Data: []byte(strings.Repeat("z", 30))}, "", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.KindDocument, big.MessageType)
	// 30 bytes -> 40 base64 chars -> 3 chunks of at most 16.
	require.Len(t, rec.events, 4)
	for i, ev := range rec.events[1:] {
		chunk := ev.payload.(models.FileChunkPayload)
		assert.Equal(t, i, chunk.ChunkIndex)
		assert.Equal(t, 3, chunk.TotalChunks)
		assert.Equal(t, big.ID, chunk.TempID)
		assert.Equal(t, models.RoomTask, chunk.RoomType)
	}

	assert.Len(t, e.Pending("task-2-5"), 2)

	echo := models.Message{ID: "300", Content: "", SenderID: alice.ID, MessageType: models.KindDocument, FileName: "b.pdf"}
	res, _ := e.OnServerMessage("task-2-5", echo)
	assert.Equal(t, 1, res.Index)
}

func TestDelete(t *testing.T) {
	rec := &recorder{}
	e := newEngine(t, rec)

	require.NoError(t, e.Delete("direct-3-7", "12"))
	assert.Equal(t, emitted{models.EventDeleteMessage, models.DeleteMessagePayload{MessageID: "12", RoomID: "direct-3-7"}}, rec.events[0])

	assert.True(t, errors.Is(e.Delete("direct-3-7", "temp-1-1"), ErrNotConfirmed))
	assert.True(t, errors.Is(e.Delete("direct-9-10", "12"), ErrRoomNotTracked))
}

func TestNewCorrelationID(t *testing.T) {
	a := NewCorrelationID(epoch)
	b := NewCorrelationID(epoch)
	assert.True(t, a.IsTemp())
	assert.True(t, strings.HasPrefix(string(a), fmt.Sprintf("temp-%d-", epoch.UnixMilli())))
	assert.NotEqual(t, a, b)
}
