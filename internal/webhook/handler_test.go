package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/jetstream"
	jsmock "gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/jetstream/mock"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
)

const samplePayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA_ID",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550001111", "phone_number_id": "1055123"},
        "contacts": [{"profile": {"name": "Ana"}, "wa_id": "573001112233"}],
        "messages": [
          {"from": "573001112233", "id": "wamid.A1", "timestamp": "1773154800", "type": "text", "text": {"body": "  quiero una cita mañana  "}},
          {"from": "573001112233", "id": "wamid.A2", "timestamp": "1773154801", "type": "image", "image": {"id": "img"}}
        ]
      }
    }]
  }]
}`

func newTestHandler(cfg Config) (*Handler, *jsmock.ClientMock) {
	js := new(jsmock.ClientMock)
	if cfg.BusinessID == "" {
		cfg.BusinessID = "1055123"
	}
	return NewHandler(cfg, js), js
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func waitPublished(t *testing.T, h *Handler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))
}

func TestHandler_Verify(t *testing.T) {
	h, _ := newTestHandler(Config{VerifyToken: "s3cret"})

	tests := []struct {
		name     string
		query    string
		wantCode int
		wantBody string
	}{
		{"valid subscription", "hub.mode=subscribe&hub.verify_token=s3cret&hub.challenge=12345", http.StatusOK, "12345"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=12345", http.StatusForbidden, "forbidden"},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=s3cret&hub.challenge=12345", http.StatusForbidden, "forbidden"},
		{"missing params", "", http.StatusForbidden, "forbidden"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook?"+tt.query, nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestHandler_VerifyRejectsWhenTokenUnset(t *testing.T) {
	h, _ := newTestHandler(Config{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=&hub.challenge=1", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_ReceivePublishesTextMessages(t *testing.T) {
	h, js := newTestHandler(Config{PhoneNumberID: "1055123"})

	js.On("Publish", mock.Anything, "v1.messages.inbound.1055123", mock.MatchedBy(func(data []byte) bool {
		var msg model.InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return false
		}
		return msg.MessageID == "wamid.A1" &&
			msg.BusinessID == "1055123" &&
			msg.SenderAddress == "573001112233" &&
			msg.SenderName == "Ana" &&
			msg.Text == "quiero una cita mañana" &&
			msg.Timestamp.Equal(time.Unix(1773154800, 0))
	}), map[string]string{jetstream.HeaderMsgID: "wamid.A1"}).Return(nil).Once()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(samplePayload)))
	assert.Equal(t, http.StatusOK, rec.Code)

	waitPublished(t, h)
	js.AssertExpectations(t)
	js.AssertNumberOfCalls(t, "Publish", 1)
}

func TestHandler_ReceiveSkipsOtherPhoneNumbers(t *testing.T) {
	h, js := newTestHandler(Config{PhoneNumberID: "999"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(samplePayload)))
	assert.Equal(t, http.StatusOK, rec.Code)

	waitPublished(t, h)
	js.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandler_ReceiveAcknowledgesGarbage(t *testing.T) {
	h, js := newTestHandler(Config{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{not json`)))
	assert.Equal(t, http.StatusOK, rec.Code)

	waitPublished(t, h)
	js.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandler_ReceivePublishFailureIsSwallowed(t *testing.T) {
	h, js := newTestHandler(Config{})
	js.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("nats down")).Once()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(samplePayload)))
	assert.Equal(t, http.StatusOK, rec.Code)

	waitPublished(t, h)
	js.AssertExpectations(t)
}

func TestHandler_ReceiveSignature(t *testing.T) {
	const secret = "app-secret"

	tests := []struct {
		name     string
		header   string
		wantCode int
	}{
		{"valid signature", sign(secret, samplePayload), http.StatusOK},
		{"missing signature", "", http.StatusUnauthorized},
		{"wrong secret", sign("other", samplePayload), http.StatusUnauthorized},
		{"not hex", "sha256=zz", http.StatusUnauthorized},
		{"wrong prefix", strings.Replace(sign(secret, samplePayload), "sha256=", "sha1=", 1), http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, js := newTestHandler(Config{AppSecret: secret})
			js.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

			req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(samplePayload))
			if tt.header != "" {
				req.Header.Set(signatureHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantCode, rec.Code)

			waitPublished(t, h)
			if tt.wantCode != http.StatusOK {
				js.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			}
		})
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(Config{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/webhook", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, POST", rec.Header().Get("Allow"))
}

func TestHandler_ParseMultipleEntries(t *testing.T) {
	h, _ := newTestHandler(Config{})
	body := `{"entry":[
		{"changes":[{"value":{"messages":[{"from":"1","id":"m1","type":"text","text":{"body":"hola"}}]}}]},
		{"changes":[
			{"value":{"statuses":[{"id":"s1","status":"delivered"}]}},
			{"value":{"messages":[{"from":"2","id":"m2","type":"text","text":{"body":"/reset"}},{"from":"3","id":"m3","type":"text"}]}}
		]}
	]}`

	msgs, err := h.parse([]byte(body))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].MessageID)
	assert.Equal(t, "m2", msgs[1].MessageID)
	assert.Equal(t, "/reset", msgs[1].Text)
	assert.Empty(t, msgs[1].SenderName)
	assert.False(t, msgs[0].Timestamp.IsZero(), "missing timestamp falls back to now")
}
