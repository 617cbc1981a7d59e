package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"omnidesk/internal/adapters/messenger"
)

const signatureHeader = "X-Hub-Signature-256"

// MetaHandler serves the Messenger and Instagram webhook.
type MetaHandler struct {
	ingest      Ingester
	verifyToken string
	appSecret   string
	timeout     time.Duration
}

func NewMetaHandler(ingest Ingester, verifyToken, appSecret string, timeout time.Duration) *MetaHandler {
	if ingest == nil {
		log.Fatal().Msg("Ingester cannot be nil for MetaHandler")
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &MetaHandler{ingest: ingest, verifyToken: verifyToken, appSecret: appSecret, timeout: timeout}
}

// Verify answers the subscription handshake.
func (h *MetaHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode, token, challenge := q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge")

	if mode != "subscribe" || h.verifyToken == "" ||
		!hmac.Equal([]byte(token), []byte(h.verifyToken)) {
		log.Warn().Str("mode", mode).Msg("Meta webhook verification failed")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	log.Info().Msg("Meta webhook verified")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// Handle processes a webhook delivery. Once the signature checks out the
// response is always 200 so Meta does not redeliver events that failed on
// our side.
func (h *MetaHandler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		log.Error().Err(err).Msg("Failed to read request body")
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	if !h.validSignature(body, r.Header.Get(signatureHeader)) {
		log.Warn().Msg("Invalid Meta webhook signature")
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	var payload messenger.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Error().Err(err).Msg("Failed to decode Meta webhook payload")
		acknowledge(w)
		return
	}

	envelopes, skips, err := messenger.Normalize(&payload)
	if err != nil {
		log.Warn().Err(err).Str("object", payload.Object).Msg("Ignoring Meta webhook")
		acknowledge(w)
		return
	}
	logSkips("meta", skips)
	log.Info().Str("object", payload.Object).Int("entries", len(payload.Entry)).Int("events", len(envelopes)).Int("skipped", len(skips)).Msg("Received Meta webhook")

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.timeout)
	defer cancel()
	h.ingest.Ingest(ctx, envelopes)

	acknowledge(w)
}

// validSignature checks "sha256=<hex hmac>" when an app secret is configured.
func (h *MetaHandler) validSignature(body []byte, header string) bool {
	if h.appSecret == "" {
		return true
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.appSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func acknowledge(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("EVENT_RECEIVED"))
}
