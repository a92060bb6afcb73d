package service

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"

	"chat_server/server/chat/domain"
	commonlog "chat_server/server/common/log"
)

// Notifier hands a notification to the offline delivery pipeline. Called only
// after the triggering message has been committed and only when the target has
// no live connection.
type Notifier interface {
	Notify(ctx context.Context, userID string, n domain.Notification)
}

type pushJob struct {
	UserID       string              `json:"user_id"`
	Notification domain.Notification `json:"notification"`
}

// AMQPNotifier publishes push jobs to a topic exchange. Publishing is
// fire-and-forget: a broker failure is logged and the realtime path moves on.
type AMQPNotifier struct {
	ch         *amqp.Channel
	exchange   string
	routingKey string
}

func NewAMQPNotifier(ch *amqp.Channel, exchange, routingKey string) *AMQPNotifier {
	return &AMQPNotifier{ch: ch, exchange: exchange, routingKey: routingKey}
}

func (n *AMQPNotifier) Notify(ctx context.Context, userID string, notification domain.Notification) {
	body, err := json.Marshal(pushJob{UserID: userID, Notification: notification})
	if err != nil {
		commonlog.Errorf("event=notify action=marshal status=failed user_id=%s error=%v", userID, err)
		return
	}
	err = n.ch.PublishWithContext(ctx, n.exchange, n.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		commonlog.Errorf("event=notify action=publish status=failed user_id=%s error=%v", userID, err)
		return
	}
	commonlog.Debugf("event=notify action=publish status=ok user_id=%s kind=%s", userID, notification.Kind)
}

// LogNotifier is the fallback when no broker is configured; it records the
// notification and drops it.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, userID string, n domain.Notification) {
	commonlog.Infof("event=notify action=log user_id=%s kind=%s title=%q", userID, n.Kind, n.Title)
}
