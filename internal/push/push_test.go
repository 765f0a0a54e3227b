package push

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4xmen/taskchat/internal/db"
	"github.com/4xmen/taskchat/internal/models"
)

func setupNotifier(t *testing.T, status int) (*Notifier, *db.DB, chan []byte) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	_, err = database.GetConn().Exec(`INSERT INTO users (id, username, password_hash) VALUES (7, 'bob', 'x')`)
	require.NoError(t, err)

	delivered := make(chan []byte, 4)
	n := NewNotifier(database.GetConn(), "pub", "priv", zerolog.Nop()).
		WithSender(func(data []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error) {
			delivered <- data
			return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(""))}, nil
		})
	return n, database, delivered
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	assert.Nil(t, NewNotifier(nil, "", "", zerolog.Nop()))
	assert.Equal(t, "", n.VAPIDPublicKey())
	n.NotifyNewMessage(context.Background(), 7, models.Message{})
}

func TestNotifyNewMessage(t *testing.T) {
	n, _, delivered := setupNotifier(t, http.StatusCreated)
	ctx := context.Background()
	require.NoError(t, n.Subscribe(ctx, 7, Subscription{Endpoint: "https://push.example/1", KeyP256dh: "k", KeyAuth: "a"}))

	n.NotifyNewMessage(ctx, 7, models.Message{
		RoomID:      "direct-3-7",
		Sender:      models.Sender{ID: 3, Username: "alice"},
		MessageType: models.KindImage,
	})

	select {
	case data := <-delivered:
		var p payload
		require.NoError(t, json.Unmarshal(data, &p))
		assert.Equal(t, "direct-3-7", p.Room)
		assert.Equal(t, "📷 Image", p.Body)
		assert.Contains(t, p.Title, "alice")
	case <-time.After(time.Second):
		t.Fatal("notification not sent")
	}
}

func TestExpiredSubscriptionIsRevoked(t *testing.T) {
	n, database, delivered := setupNotifier(t, http.StatusGone)
	ctx := context.Background()
	require.NoError(t, n.Subscribe(ctx, 7, Subscription{Endpoint: "https://push.example/old", KeyP256dh: "k", KeyAuth: "a"}))

	n.NotifyNewMessage(ctx, 7, models.Message{Content: "hi", Sender: models.Sender{Username: "alice"}})
	<-delivered

	require.Eventually(t, func() bool {
		subs, err := n.subscriptions(ctx, 7)
		return err == nil && len(subs) == 0
	}, time.Second, 10*time.Millisecond)

	// subscribing again reactivates the endpoint
	require.NoError(t, n.Subscribe(ctx, 7, Subscription{Endpoint: "https://push.example/old", KeyP256dh: "k2", KeyAuth: "a2"}))
	var count int
	require.NoError(t, database.GetConn().QueryRow("SELECT COUNT(*) FROM push_subscriptions WHERE revoked_at IS NULL").Scan(&count))
	assert.Equal(t, 1, count)
}
