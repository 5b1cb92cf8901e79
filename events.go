package offlineagent

import (
	"github.com/google/uuid"
)

// Notifier is the host surface for showing user notifications.
type Notifier interface {
	Show(n Notification) error
	Close(id string) error
}

// Notification is the payload shown to the user on push.
type Notification struct {
	ID    string
	Title string
	Body  string
	Icon  string
	Badge string
}

const (
	notificationTitle = "SNT Tools"
	defaultPushBody   = "New content is available!"
	notificationIcon  = "./icons/icon-192.png"
	notificationBadge = "./icons/icon-96.png"
	syncTagData       = "sync-data"
)

type noopNotifier struct{}

func (noopNotifier) Show(Notification) error { return nil }
func (noopNotifier) Close(string) error      { return nil }

// Push shows a notification for an incoming push payload.
// An empty payload falls back to a default body.
func (a *Agent) Push(payload []byte) {
	body := string(payload)
	if body == "" {
		body = defaultPushBody
	}
	n := Notification{
		ID:    uuid.NewString(),
		Title: notificationTitle,
		Body:  body,
		Icon:  notificationIcon,
		Badge: notificationBadge,
	}
	if err := a.notifier.Show(n); err != nil {
		a.log.Error().Err(err).Msg("Could not show notification")
		return
	}
	a.log.Debug().Str("id", n.ID).Msg("Notification shown")
}

// NotificationClick closes the notification and opens or focuses the
// agent's root page.
func (a *Agent) NotificationClick(id string) {
	if err := a.notifier.Close(id); err != nil {
		a.log.Error().Err(err).Str("id", id).Msg("Could not close notification")
	}
	client := a.clients.OpenWindow(a.baseURL.String())
	a.log.Debug().Str("client", client.ID).Msg("Opened window from notification")
}

// Sync handles a background sync event.
// Only the data sync tag is recognized; it is a reserved extension point
// and currently does no work beyond logging.
func (a *Agent) Sync(tag string) {
	if tag != syncTagData {
		return
	}
	a.log.Info().Str("tag", tag).Msg("Background sync triggered")
}
