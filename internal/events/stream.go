package events

import (
	"log"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// buildCheckOrigin mirrors the teacher's production origin-allowlist pattern
// (internal/fabric/websocket.go): in production with PROOFWORK_ALLOWED_ORIGINS
// set, only those origins are trusted; in production without it every origin
// is accepted and a warning is logged; outside production every origin is
// accepted silently.
func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("PROOFWORK_ENV")
	allowedRaw := os.Getenv("PROOFWORK_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			log.Printf("[EVENTS] ❌ rejected stream connection from origin: %s", origin)
			return false
		}
	}
	if env == "production" {
		log.Println("[EVENTS] ⚠️  PROOFWORK_ALLOWED_ORIGINS not set in production — allowing all origins")
	}
	return func(r *http.Request) bool { return true }
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     buildCheckOrigin(),
}

// StreamHandler upgrades to a WebSocket and relays every bus event to the
// admin dashboard client until the connection drops (spec's admin ops
// stream, SPEC_FULL §2). An optional ?org_id= query param narrows the feed
// to one buyer's dispute.resolved events via SubscribeTenant.
func (eb *EventBus) StreamHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		eb.logger.Printf("❌ stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := eb.SubscribeTenant(r.URL.Query().Get("org_id"))
	var once sync.Once
	unsubscribe := func() { once.Do(func() { eb.Unsubscribe(ch) }) }
	defer unsubscribe()

	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				unsubscribe()
				return
			}
		}
	}()

	for ev := range ch {
		body, err := ev.JSON()
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
			return
		}
	}
}
