package network

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"

	"github.com/banshee-data/flashsync/internal/command"
)

// AttachAdminRoutes mounts channel debugging endpoints under /debug/. The
// routes are only reachable from localhost or over Tailscale.
func (c *Channel) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("Control endpoint", func() any { return c.Endpoint() })

	debug.HandleFunc("channel", "Command channel counters", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c.Stats())
	})

	// Writes a raw control token, e.g. "ON" or "START 33333 1".
	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		raw := strings.TrimSpace(r.FormValue("command"))
		if raw == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		cmd, err := command.Parse([]byte(raw))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := c.Send(cmd); err != nil {
			http.Error(w, "Failed to send command", http.StatusBadGateway)
			return
		}
		io.WriteString(w, fmt.Sprintf("Sent %q to %s", cmd.String(), c.Endpoint()))
	})
}
