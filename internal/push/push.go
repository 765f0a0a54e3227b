package push

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"

	"github.com/4xmen/taskchat/internal/content"
	"github.com/4xmen/taskchat/internal/metrics"
	"github.com/4xmen/taskchat/internal/models"
	"github.com/4xmen/taskchat/pkg/i18n"
)

// Sender delivers one encoded notification to one subscription.
type Sender func(data []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Notifier sends Web Push notifications to users who are not connected.
type Notifier struct {
	db              *sql.DB
	vapidPublicKey  string
	vapidPrivateKey string
	send            Sender
	logger          zerolog.Logger
}

// Subscription represents a stored Web Push subscription.
type Subscription struct {
	Endpoint  string `json:"endpoint" binding:"required"`
	KeyP256dh string `json:"p256dh" binding:"required"`
	KeyAuth   string `json:"auth" binding:"required"`
}

// NewNotifier creates a push Notifier. Returns nil if VAPID keys are empty;
// every method is safe on a nil Notifier.
func NewNotifier(db *sql.DB, vapidPublicKey, vapidPrivateKey string, logger zerolog.Logger) *Notifier {
	if vapidPublicKey == "" || vapidPrivateKey == "" {
		return nil
	}
	return &Notifier{
		db:              db,
		vapidPublicKey:  vapidPublicKey,
		vapidPrivateKey: vapidPrivateKey,
		send:            webpush.SendNotification,
		logger:          logger.With().Str("component", "push").Logger(),
	}
}

// WithSender replaces the transport, for tests.
func (n *Notifier) WithSender(send Sender) *Notifier {
	n.send = send
	return n
}

// VAPIDPublicKey returns the public VAPID key for the frontend.
func (n *Notifier) VAPIDPublicKey() string {
	if n == nil {
		return ""
	}
	return n.vapidPublicKey
}

// Subscribe stores or refreshes a subscription for userID.
func (n *Notifier) Subscribe(ctx context.Context, userID int, sub Subscription) error {
	_, err := n.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			user_id = excluded.user_id,
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			revoked_at = NULL
	`, userID, sub.Endpoint, sub.KeyP256dh, sub.KeyAuth)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// payload is the JSON structure sent inside the push notification.
type payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
	Room  string `json:"room"`
}

func (n *Notifier) subscriptions(ctx context.Context, userID int) ([]Subscription, error) {
	rows, err := n.db.QueryContext(ctx,
		"SELECT endpoint, p256dh, auth FROM push_subscriptions WHERE user_id = ? AND revoked_at IS NULL",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.Endpoint, &sub.KeyP256dh, &sub.KeyAuth); err != nil {
			continue
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// NotifyNewMessage pushes a preview of msg to every subscription of
// receiverID. Delivery happens in the background.
func (n *Notifier) NotifyNewMessage(ctx context.Context, receiverID int, msg models.Message) {
	if n == nil {
		return
	}

	subs, err := n.subscriptions(ctx, receiverID)
	if err != nil {
		n.logger.Error().Err(err).Int("user_id", receiverID).Msg("failed to query subscriptions")
		return
	}
	if len(subs) == 0 {
		n.logger.Debug().Int("user_id", receiverID).Msg("no active subscriptions")
		return
	}

	data, _ := json.Marshal(payload{
		Title: i18n.Translate("new message from " + msg.Sender.Username),
		Body:  content.Preview(msg),
		URL:   "/rooms/" + msg.RoomID,
		Room:  msg.RoomID,
	})

	n.logger.Info().Int("user_id", receiverID).Int("subscriptions", len(subs)).Msg("sending notification")
	for _, sub := range subs {
		go n.sendToSubscription(sub, data)
	}
}

func (n *Notifier) sendToSubscription(sub Subscription, data []byte) {
	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.KeyP256dh,
			Auth:   sub.KeyAuth,
		},
	}

	resp, err := n.send(data, s, &webpush.Options{
		VAPIDPublicKey:  n.vapidPublicKey,
		VAPIDPrivateKey: n.vapidPrivateKey,
		Subscriber:      "mailto:push@taskchat.local",
		TTL:             86400,
	})
	if err != nil {
		metrics.PushNotifications.WithLabelValues("failed").Inc()
		n.logger.Warn().Err(err).Str("endpoint", sub.Endpoint).Msg("send failed")
		return
	}
	defer resp.Body.Close()

	// 410 Gone or 404 means the subscription is expired
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		metrics.PushNotifications.WithLabelValues("expired").Inc()
		n.db.Exec("UPDATE push_subscriptions SET revoked_at = CURRENT_TIMESTAMP WHERE endpoint = ?", sub.Endpoint)
		n.logger.Info().Str("endpoint", sub.Endpoint).Int("status", resp.StatusCode).Msg("revoked expired subscription")
		return
	}
	metrics.PushNotifications.WithLabelValues("sent").Inc()
	n.logger.Debug().Str("endpoint", sub.Endpoint).Int("status", resp.StatusCode).Msg("sent")
}
