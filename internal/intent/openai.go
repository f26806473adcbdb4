package intent

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
)

var tracer = otel.Tracer("gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/intent")

// OpenAIConfig configures an OpenAI-compatible chat completion endpoint.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	// SiteURL and SiteName are sent as OpenRouter attribution headers when set.
	SiteURL  string
	SiteName string
	Location *time.Location
	Business string
}

// OpenAIResolver asks a chat model to classify the message and answer with a JSON object.
type OpenAIResolver struct {
	client      openai.Client
	model       string
	temperature float64
	loc         *time.Location
	business    string
}

// NewOpenAIResolver builds the client. Extra options are appended last, so tests can
// point it at a local server.
func NewOpenAIResolver(cfg OpenAIConfig, extra ...option.RequestOption) *OpenAIResolver {
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimRight(cfg.BaseURL, "/"); base != "" {
		opts = append(opts, option.WithBaseURL(base+"/"))
	}
	if cfg.SiteURL != "" {
		opts = append(opts, option.WithHeader("HTTP-Referer", cfg.SiteURL))
	}
	if cfg.SiteName != "" {
		opts = append(opts, option.WithHeader("X-Title", cfg.SiteName))
	}
	opts = append(opts, extra...)

	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &OpenAIResolver{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		loc:         loc,
		business:    cfg.Business,
	}
}

func (r *OpenAIResolver) Resolve(ctx context.Context, req Request) (Intent, error) {
	ctx, span := tracer.Start(ctx, "intent.resolve")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", r.model), attribute.Int("history.turns", len(req.History)))

	completion, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(r.model),
		Messages:    r.messages(req),
		Temperature: openai.Float(r.temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return nil, fmt.Errorf("%w: completion failed: %w", apperrors.ErrResolver, err)
	}
	if len(completion.Choices) == 0 {
		span.SetStatus(codes.Error, "no choices")
		return nil, fmt.Errorf("%w: no choices returned", ErrMalformedOutput)
	}

	in, err := Parse(completion.Choices[0].Message.Content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed output")
		return nil, err
	}
	span.SetAttributes(attribute.String("intent.kind", string(in.Kind())))
	return in, nil
}

func (r *OpenAIResolver) messages(req Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	msgs = append(msgs, openai.SystemMessage(SystemPrompt(r.business, req.CustomerName, req.Now.In(r.loc))))
	for _, turn := range req.History {
		if turn.Role == model.RoleAssistant {
			msgs = append(msgs, openai.AssistantMessage(turn.Content))
		} else {
			msgs = append(msgs, openai.UserMessage(turn.Content))
		}
	}
	return append(msgs, openai.UserMessage(req.Text))
}

// SystemPrompt instructs the model to answer with one JSON intent object.
func SystemPrompt(business, customerName string, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Eres el asistente de citas por WhatsApp de %s. ", orDefault(business, "el negocio"))
	fmt.Fprintf(&b, "Hablas con %s. ", orDefault(customerName, "un cliente"))
	fmt.Fprintf(&b, "La fecha y hora actual es %s (%s, zona horaria %s).\n",
		now.Format(time.RFC3339), now.Weekday(), now.Location())
	b.WriteString(`Clasifica el último mensaje del cliente y responde SOLO con un objeto JSON:
{"intent": "booking|check|cancel|reschedule|chat", "date": "", "human_date": "", "reply": ""}
- booking: quiere una cita nueva. "date" es la fecha y hora pedida en RFC 3339 con el desfase de la zona horaria.
- check: quiere saber qué citas tiene.
- cancel: quiere cancelar su próxima cita.
- reschedule: quiere mover su próxima cita. "date" es la nueva fecha y hora en RFC 3339.
- chat: cualquier otra cosa. "reply" es tu respuesta breve y amable en español.
Resuelve fechas relativas ("mañana", "el lunes") a partir de la fecha actual. Si falta la hora, deja "date" vacío.
"human_date" describe la fecha en palabras. Nunca inventes citas ni confirmes nada tú mismo.`)
	return b.String()
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
