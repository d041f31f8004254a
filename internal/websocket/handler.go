package websocket

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"
)

// AccountFunc resolves the authenticated account of a request.
type AccountFunc func(r *http.Request) (int64, bool)

// HandleWebSocket upgrades authenticated requests and runs them as Hub
// clients until the connection closes.
func HandleWebSocket(hub *Hub, account AccountFunc, originPatterns []string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := account(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			logger.Warn("websocket accept failed", "error", err)
			return
		}

		client := NewClient(hub, conn, accountID)
		client.Run(r.Context())
	}
}
