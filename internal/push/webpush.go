package push

import (
	"context"
	"fmt"
	"io"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const defaultTTL = 60 * 60 * 24 // seconds

// WebPushDispatcher delivers notifications over the Web Push protocol with
// VAPID authentication.
type WebPushDispatcher struct {
	subject    string
	publicKey  string
	privateKey string
}

func NewWebPushDispatcher(subject, publicKey, privateKey string) *WebPushDispatcher {
	return &WebPushDispatcher{
		subject:    subject,
		publicKey:  publicKey,
		privateKey: privateKey,
	}
}

func (d *WebPushDispatcher) Dispatch(ctx context.Context, sub Subscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		Subscriber:      d.subject,
		VAPIDPublicKey:  d.publicKey,
		VAPIDPrivateKey: d.privateKey,
		TTL:             defaultTTL,
	})
	if err != nil {
		return fmt.Errorf("send web push: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return ErrGone
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}
