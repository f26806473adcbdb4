package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/utils"
)

var tracer = otel.Tracer("gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/whatsapp")

const driverCloudAPI = "cloudapi"

// CloudConfig configures the WhatsApp Cloud API sender.
type CloudConfig struct {
	GraphBaseURL  string
	PhoneNumberID string
	AccessToken   string
	Timeout       time.Duration
}

// CloudSender posts text messages to the Graph API messages endpoint.
type CloudSender struct {
	client   *http.Client
	endpoint string
	token    string
}

type textBody struct {
	Body string `json:"body"`
}

type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func NewCloudSender(cfg CloudConfig) *CloudSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CloudSender{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		endpoint: fmt.Sprintf("%s/%s/messages", strings.TrimRight(cfg.GraphBaseURL, "/"), cfg.PhoneNumberID),
		token:    cfg.AccessToken,
	}
}

// Send delivers one text message. Non-2xx responses are errors wrapping ErrDelivery.
func (s *CloudSender) Send(ctx context.Context, to, text string) (err error) {
	ctx, span := tracer.Start(ctx, "whatsapp.send")
	defer span.End()
	span.SetAttributes(attribute.String("messaging.system", "whatsapp"), attribute.Int("message.length", len(text)))
	defer func() {
		observer.IncMessagesSent(driverCloudAPI, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "send failed")
		}
	}()

	payload, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             textBody{Body: text},
	})
	if err != nil {
		return fmt.Errorf("%w: marshal request: %w", apperrors.ErrDelivery, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", apperrors.ErrDelivery, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrDelivery, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ge graphError
		if jsonErr := json.Unmarshal(body, &ge); jsonErr == nil && ge.Error.Message != "" {
			return fmt.Errorf("%w: graph api status %d code %d: %s", apperrors.ErrDelivery, resp.StatusCode, ge.Error.Code, ge.Error.Message)
		}
		return fmt.Errorf("%w: graph api status %d", apperrors.ErrDelivery, resp.StatusCode)
	}

	logger.FromContext(ctx).Debug("WhatsApp message sent",
		zap.String("to", utils.MaskPhone(to)),
		zap.String("response", utils.Preview(string(body), 120)),
	)
	return nil
}
