package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"chat_server/server/chat/domain"
	commonlog "chat_server/server/common/log"
)

// ErrRegistrationGone signals the provider rejected the token permanently;
// the worker deletes the registration instead of retrying.
var ErrRegistrationGone = errors.New("push registration gone")

// PushProvider delivers one notification to one device registration.
type PushProvider interface {
	Send(ctx context.Context, reg domain.PushRegistration, n domain.Notification) error
}

type pushRegistrationStore interface {
	ListForUser(ctx context.Context, userID string) ([]domain.PushRegistration, error)
	DeleteRegistration(ctx context.Context, registrationID string) error
}

// PushWorker consumes push jobs off the queue and fans each out to every
// registration of the target user.
type PushWorker struct {
	ch            *amqp.Channel
	queue         string
	registrations pushRegistrationStore
	provider      PushProvider
}

func NewPushWorker(ch *amqp.Channel, queue string, registrations pushRegistrationStore, provider PushProvider) *PushWorker {
	return &PushWorker{ch: ch, queue: queue, registrations: registrations, provider: provider}
}

// Run consumes until ctx is cancelled or the delivery channel closes.
func (w *PushWorker) Run(ctx context.Context) error {
	deliveries, err := w.ch.Consume(w.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	commonlog.Infof("event=push_worker action=start queue=%s", w.queue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("push delivery channel closed")
			}
			w.handle(ctx, d)
		}
	}
}

func (w *PushWorker) handle(ctx context.Context, d amqp.Delivery) {
	var job pushJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		commonlog.Errorf("event=push_worker action=decode status=failed error=%v", err)
		_ = d.Nack(false, false)
		return
	}

	regs, err := w.registrations.ListForUser(ctx, job.UserID)
	if err != nil {
		commonlog.Errorf("event=push_worker action=list_registrations status=failed user_id=%s error=%v", job.UserID, err)
		_ = d.Nack(false, true)
		return
	}

	for _, reg := range regs {
		err := w.provider.Send(ctx, reg, job.Notification)
		switch {
		case errors.Is(err, ErrRegistrationGone):
			// Stale token; clean it up so we stop pushing to it.
			if delErr := w.registrations.DeleteRegistration(ctx, reg.ID); delErr != nil {
				commonlog.Warnf("event=push_worker action=delete_registration status=failed registration_id=%s error=%v", reg.ID, delErr)
			} else {
				commonlog.Infof("event=push_worker action=delete_registration status=ok registration_id=%s", reg.ID)
			}
		case err != nil:
			commonlog.Warnf("event=push_worker action=send status=failed registration_id=%s error=%v", reg.ID, err)
		default:
			commonlog.Debugf("event=push_worker action=send status=ok user_id=%s registration_id=%s", job.UserID, reg.ID)
		}
	}
	_ = d.Ack(false)
}

// WebhookProvider POSTs the notification to an external push gateway. A 404
// or 410 from the gateway means the token is dead.
type WebhookProvider struct {
	url    string
	client *http.Client
}

func NewWebhookProvider(url string) *WebhookProvider {
	return &WebhookProvider{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (p *WebhookProvider) Send(ctx context.Context, reg domain.PushRegistration, n domain.Notification) error {
	body, err := json.Marshal(map[string]any{
		"provider":     reg.Provider,
		"token":        reg.Token,
		"notification": n,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrRegistrationGone
	case resp.StatusCode >= 300:
		return errors.New("push gateway returned " + resp.Status)
	}
	return nil
}

// LogProvider records pushes instead of sending them; used in development.
type LogProvider struct{}

func (LogProvider) Send(_ context.Context, reg domain.PushRegistration, n domain.Notification) error {
	commonlog.Infof("event=push action=log user_id=%s provider=%s title=%q", reg.UserID, reg.Provider, n.Title)
	return nil
}
