package mcptools

import (
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"

	broker "github.com/cmsbridge/mcp-broker"
)

// CallbackHandler serves the OAuth redirect endpoint for account
// provisioning. The identity provider sends the user's browser here after
// consent; the handler hands state and code to the broker, which exchanges
// the code and stores the offline grant. The browser only ever sees an HTML
// status page, never a token.
func CallbackHandler(b *broker.Broker, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()

		// The provider reports consent denial and its own failures via
		// error/error_description instead of a code.
		if errCode := q.Get("error"); errCode != "" {
			logger.Warn("Provisioning callback returned an error",
				"error", errCode, "description", q.Get("error_description"))
			renderCallbackPage(w, http.StatusForbidden,
				"Authorization failed",
				fmt.Sprintf("The identity provider reported: %s. You can close this window and try provisioning again.", errCode))
			return
		}

		state := q.Get("state")
		code := q.Get("code")
		if state == "" || code == "" {
			renderCallbackPage(w, http.StatusBadRequest,
				"Invalid callback",
				"The callback is missing its state or code parameter.")
			return
		}

		if err := b.CompleteProvisioning(r.Context(), state, code); err != nil {
			status := http.StatusInternalServerError
			detail := "Provisioning did not complete. You can close this window and try again."
			var be *broker.Error
			if errors.As(err, &be) {
				status = be.HTTPStatus()
				detail = be.Description + ". You can close this window and try again."
			}
			logger.Warn("Provisioning callback rejected", "error", err)
			renderCallbackPage(w, status, "Provisioning failed", detail)
			return
		}

		renderCallbackPage(w, http.StatusOK,
			"Account connected",
			"Your account is now provisioned for background access. You can close this window and return to your MCP client.")
	})
}

// renderCallbackPage writes a minimal HTML status page. The callback runs in
// the user's browser, so the headers shut down framing, sniffing, and
// caching.
func renderCallbackPage(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>%[1]s</title>
<style>
body { font-family: -apple-system, 'Segoe UI', Roboto, sans-serif; margin: 4rem auto; max-width: 32rem; color: #222; }
p { color: #555; line-height: 1.5; }
</style>
</head>
<body>
<h1>%[1]s</h1>
<p>%[2]s</p>
</body>
</html>
`, html.EscapeString(title), html.EscapeString(detail))
}
