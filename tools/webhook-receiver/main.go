// Command webhook-receiver is a local sink for contentguard webhook
// notifications. It verifies signatures when WEBHOOK_SECRET is set and keeps
// the most recent payloads for inspection at /stats.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/djlord-it/contentguard/internal/notify"
)

const maxStored = 50

type received struct {
	At             string                 `json:"at"`
	NotificationID string                 `json:"notification_id"`
	SignatureValid *bool                  `json:"signature_valid,omitempty"`
	Payload        *notify.WebhookPayload `json:"payload,omitempty"`
	Raw            string                 `json:"raw,omitempty"`
}

type stats struct {
	Count    int64      `json:"count"`
	Rejected int64      `json:"rejected"`
	Last     []received `json:"last"`
	Since    string     `json:"since"`
}

type receiver struct {
	secret string
	clock  func() time.Time

	mu       sync.Mutex
	count    int64
	rejected int64
	last     []received
	since    time.Time
}

func newReceiver(secret string) *receiver {
	return &receiver{secret: secret, clock: time.Now, since: time.Now().UTC()}
}

func (rc *receiver) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/hook", rc.hook)
	r.Get("/stats", rc.stats)
	r.Post("/reset", rc.reset)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	return r
}

func (rc *receiver) hook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	rec := received{
		At:             rc.clock().UTC().Format(time.RFC3339Nano),
		NotificationID: r.Header.Get(notify.HeaderNotificationID),
	}
	if rc.secret != "" {
		ok := notify.VerifySignature(rc.secret, body, r.Header.Get(notify.HeaderSignature))
		rec.SignatureValid = &ok
		if !ok {
			rc.mu.Lock()
			rc.rejected++
			rc.mu.Unlock()
			log.Printf("webhook-receiver: rejected id=%s: bad signature", rec.NotificationID)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	var payload notify.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		rec.Raw = string(body)
	} else {
		rec.Payload = &payload
	}

	rc.mu.Lock()
	rc.count++
	rc.last = append(rc.last, rec)
	if len(rc.last) > maxStored {
		rc.last = rc.last[len(rc.last)-maxStored:]
	}
	current := rc.count
	rc.mu.Unlock()

	log.Printf("webhook-receiver: received #%d id=%s", current, rec.NotificationID)
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"received":%d}`, current)
}

func (rc *receiver) stats(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	s := stats{
		Count:    rc.count,
		Rejected: rc.rejected,
		Last:     append([]received(nil), rc.last...),
		Since:    rc.since.Format(time.RFC3339),
	}
	rc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

func (rc *receiver) reset(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	rc.count = 0
	rc.rejected = 0
	rc.last = nil
	rc.since = rc.clock().UTC()
	rc.mu.Unlock()
	fmt.Fprintln(w, "reset")
}

func main() {
	addr := ":8081"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	rc := newReceiver(os.Getenv("WEBHOOK_SECRET"))

	log.Printf("webhook-receiver: listening on %s (signature check=%t)", addr, rc.secret != "")
	log.Fatal(http.ListenAndServe(addr, rc.routes()))
}
