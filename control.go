package offlineagent

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Control message types understood by the agent.
// Anything else is ignored.
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageClearCache  = "CLEAR_CACHE"
)

// Message is a control message posted by the page.
type Message struct {
	Type string `json:"type"`
}

// HandleMessage processes a single out-of-band control message.
// Unknown message types are silently ignored.
func (a *Agent) HandleMessage(ctx context.Context, msg Message) {
	switch msg.Type {
	case MessageSkipWaiting:
		if a.State() != StateWaiting {
			return
		}
		if err := a.Activate(ctx); err != nil {
			a.log.Error().Err(err).Msg("Could not activate on skip-waiting")
		}
	case MessageClearCache:
		if err := a.cache.Delete(a.generation); err != nil {
			a.log.Error().Err(err).Msg("Could not clear cache store")
			return
		}
		// keep the store itself around so subsequent requests repopulate it
		if err := a.cache.Open(a.generation); err != nil {
			a.log.Error().Err(err).Msg("Could not reopen cache store")
			return
		}
		a.log.Info().Msg("Cache cleared")
	default:
		a.log.Debug().Str("type", msg.Type).Msg("Ignoring unknown control message")
	}
}

// ControlHandler returns the HTTP surface for the page-to-agent control
// protocol: POST /message with a JSON body of the form {"type": "..."}.
func (a *Agent) ControlHandler() http.Handler {
	return controlHandler(func(ctx context.Context, msg Message) {
		a.HandleMessage(ctx, msg)
	})
}

func controlHandler(handle func(context.Context, Message)) http.Handler {
	r := chi.NewRouter()
	r.Post("/message", func(w http.ResponseWriter, req *http.Request) {
		var msg Message
		if err := json.NewDecoder(req.Body).Decode(&msg); err != nil {
			http.Error(w, "Invalid message", http.StatusBadRequest)
			return
		}
		handle(req.Context(), msg)
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}
