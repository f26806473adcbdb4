package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/utils"
)

const (
	maxBodyBytes    = 1 << 20
	signatureHeader = "X-Hub-Signature-256"
	publishTimeout  = 10 * time.Second
)

// Config configures the Meta webhook endpoint.
type Config struct {
	BusinessID    string
	PhoneNumberID string // when set, changes addressed to other numbers are ignored
	VerifyToken   string
	AppSecret     string // when set, POST bodies must carry a valid X-Hub-Signature-256
}

// Handler is the WhatsApp Cloud API webhook. GET answers the subscription challenge,
// POST acknowledges immediately and publishes every text message to the inbound stream.
type Handler struct {
	cfg       Config
	publisher jetstream.Publisher
	subject   string
	wg        sync.WaitGroup
}

func NewHandler(cfg Config, publisher jetstream.Publisher) *Handler {
	return &Handler{
		cfg:       cfg,
		publisher: publisher,
		subject:   model.V1MessagesInbound.Subject(cfg.BusinessID),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.verify(w, r)
	case http.MethodPost:
		h.receive(w, r)
	default:
		observer.IncWebhookRequest(r.Method, "method_not_allowed")
		w.Header().Set("Allow", "GET, POST")
		utils.WriteText(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// Wait blocks until in-flight publishes finish or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "subscribe" && h.cfg.VerifyToken != "" && token == h.cfg.VerifyToken {
		observer.IncWebhookRequest(http.MethodGet, "verified")
		logger.Log.Info("Webhook verified")
		utils.WriteText(w, http.StatusOK, challenge)
		return
	}
	observer.IncWebhookRequest(http.MethodGet, "forbidden")
	logger.Log.Warn("Webhook verification rejected", zap.String("mode", mode))
	utils.WriteText(w, http.StatusForbidden, "forbidden")
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		observer.IncWebhookRequest(http.MethodPost, "bad_request")
		utils.WriteText(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if h.cfg.AppSecret != "" && !validSignature(h.cfg.AppSecret, body, r.Header.Get(signatureHeader)) {
		observer.IncWebhookRequest(http.MethodPost, "unauthorized")
		logger.Log.Warn("Webhook signature mismatch")
		utils.WriteText(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	observer.IncWebhookRequest(http.MethodPost, "accepted")
	utils.WriteText(w, http.StatusOK, "EVENT_RECEIVED")

	ctx := context.WithoutCancel(r.Context())
	h.wg.Add(1)
	utils.SafeGo(func() {
		defer h.wg.Done()
		h.dispatch(ctx, body)
	}, nil)
}

func (h *Handler) dispatch(ctx context.Context, body []byte) {
	msgs, err := h.parse(body)
	if err != nil {
		logger.FromContext(ctx).Warn("Ignoring unparsable webhook payload",
			zap.Error(err),
			zap.String("payload", utils.Preview(string(body), 200)),
		)
		return
	}

	for _, msg := range msgs {
		h.publish(ctx, msg)
	}
}

func (h *Handler) publish(ctx context.Context, msg model.InboundMessage) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	log := logger.FromContext(ctx).With(
		zap.String("message_id", msg.MessageID),
		zap.String("from", utils.MaskPhone(msg.SenderAddress)),
	)

	data, err := json.Marshal(msg)
	if err != nil {
		log.Error("Failed to marshal inbound message", zap.Error(err))
		return
	}
	headers := map[string]string{jetstream.HeaderMsgID: msg.MessageID}
	if err := h.publisher.Publish(ctx, h.subject, data, headers); err != nil {
		log.Error("Failed to publish inbound message", zap.String("subject", h.subject), zap.Error(err))
		return
	}
	log.Debug("Inbound message published", zap.String("subject", h.subject))
}

// parse flattens every entry, change and text message of a notification. Statuses and
// non-text messages are skipped.
func (h *Handler) parse(body []byte) ([]model.InboundMessage, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}

	var out []model.InboundMessage
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			if h.cfg.PhoneNumberID != "" && v.Metadata.PhoneNumberID != "" && v.Metadata.PhoneNumberID != h.cfg.PhoneNumberID {
				logger.Log.Debug("Skipping change for another phone number", zap.String("phone_number_id", v.Metadata.PhoneNumberID))
				continue
			}

			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}

			for _, m := range v.Messages {
				if m.Type != "text" || m.Text == nil || m.ID == "" || m.From == "" {
					logger.Log.Debug("Skipping non-text message", zap.String("type", m.Type), zap.String("message_id", m.ID))
					continue
				}
				out = append(out, model.InboundMessage{
					MessageID:     m.ID,
					BusinessID:    h.cfg.BusinessID,
					SenderAddress: m.From,
					SenderName:    names[m.From],
					Text:          strings.TrimSpace(m.Text.Body),
					Timestamp:     utils.UnixStringToTime(m.Timestamp),
				})
			}
		}
	}
	return out, nil
}

func validSignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

type payload struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID      string   `json:"id"`
	Changes []change `json:"changes"`
}

type change struct {
	Field string      `json:"field"`
	Value changeValue `json:"value"`
}

type changeValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
		WaID string `json:"wa_id"`
	} `json:"contacts"`
	Messages []message `json:"messages"`
}

type message struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
}
