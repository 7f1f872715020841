package push

import (
	"github.com/MasterNumancs/Chat-App/internal/chat"
)

const (
	maxPreviewRunes = 120
	// encryptedPlaceholder is the only body ever sent for an encrypted
	// channel; decrypted content must never reach a push payload.
	encryptedPlaceholder = "New message"
	imagePlaceholder     = "[Image]"
)

// PreviewFor builds the redacted notification for a persisted message.
func PreviewFor(msg chat.Message) Notification {
	note := Notification{
		Title: msg.SenderName,
		Icon:  msg.SenderAvatar,
	}

	switch {
	case msg.Payload.Encrypted != nil:
		note.Body = encryptedPlaceholder
	case msg.Payload.Plain != nil && msg.Payload.Plain.Text != "":
		note.Body = truncate(msg.Payload.Plain.Text, maxPreviewRunes)
	case msg.Payload.Plain != nil && msg.Payload.Plain.Image != "":
		note.Body = imagePlaceholder
	default:
		note.Body = encryptedPlaceholder
	}
	return note
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
