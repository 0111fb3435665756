package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/sony/gobreaker"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/time/rate"

	"github.com/lexpipe/lexpipe/pkg/observability"
)

// BedrockAPI defines the Bedrock runtime operations we need
type BedrockAPI interface {
	InvokeModel(ctx context.Context, input *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// mentionListSchema validates the model's JSON output before we trust it
const mentionListSchema = `{
	"type": "object",
	"required": ["entities"],
	"properties": {
		"entities": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["text", "entity_type", "start_offset", "end_offset"],
				"properties": {
					"text": {"type": "string", "minLength": 1},
					"entity_type": {"type": "string", "minLength": 1},
					"start_offset": {"type": "integer", "minimum": 0},
					"end_offset": {"type": "integer", "minimum": 0},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1}
				}
			}
		}
	}
}`

const extractionPrompt = `Identify the legal entities in the document excerpt below.
Return ONLY a JSON object of the form
{"entities":[{"text":"...","entity_type":"...","start_offset":0,"end_offset":0,"confidence":0.0}]}
where entity_type is one of: person, organization, court, statute, case_citation, date, monetary_amount, jurisdiction.
Offsets are character positions within the excerpt. Return {"entities":[]} if none are present.

Excerpt:
%s`

// BedrockExtractor calls an LLM hosted on AWS Bedrock to detect entity
// mentions. Calls are rate limited and guarded by a circuit breaker so a
// degraded model endpoint fails fast instead of stalling the worker pool.
type BedrockExtractor struct {
	api     BedrockAPI
	modelID string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	schema  *gojsonschema.Schema
	timeout time.Duration
	logger  observability.Logger
}

var _ Extractor = (*BedrockExtractor)(nil)

// BedrockConfig configures the extractor
type BedrockConfig struct {
	ModelID           string
	RequestsPerMinute int
	Timeout           time.Duration
}

// NewBedrockExtractor wraps a Bedrock runtime client as an Extractor
func NewBedrockExtractor(api BedrockAPI, cfg BedrockConfig, logger observability.Logger) (*BedrockExtractor, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(mentionListSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile mention schema: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "bedrock-extraction",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Extraction circuit state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})

	return &BedrockExtractor{
		api:     api,
		modelID: cfg.ModelID,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute/6+1),
		breaker: breaker,
		schema:  schema,
		timeout: cfg.Timeout,
		logger:  logger.WithPrefix("extraction"),
	}, nil
}

type anthropicRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	Messages         []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type mentionListResponse struct {
	Entities []RawMention `json:"entities"`
}

func (e *BedrockExtractor) Extract(ctx context.Context, chunkText string) ([]RawMention, error) {
	if strings.TrimSpace(chunkText) == "" {
		return nil, nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result, err := e.breaker.Execute(func() (interface{}, error) {
		return e.invoke(ctx, chunkText)
	})
	if err != nil {
		return nil, err
	}
	return result.([]RawMention), nil
}

func (e *BedrockExtractor) invoke(ctx context.Context, chunkText string) ([]RawMention, error) {
	body, err := json.Marshal(anthropicRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        4096,
		Messages: []anthropicMessage{
			{Role: "user", Content: fmt.Sprintf(extractionPrompt, chunkText)},
		},
	})
	if err != nil {
		return nil, err
	}

	out, err := e.api.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(e.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("model invocation failed: %w", err)
	}

	var resp anthropicResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode model response: %w", err)
	}
	if len(resp.Content) == 0 {
		return nil, fmt.Errorf("model returned empty response")
	}

	return e.parseMentions(resp.Content[0].Text, len(chunkText))
}

// parseMentions validates the model output against the schema and drops
// mentions whose offsets fall outside the chunk.
func (e *BedrockExtractor) parseMentions(text string, chunkLen int) ([]RawMention, error) {
	jsonText := extractJSON(text)

	validation, err := e.schema.Validate(gojsonschema.NewStringLoader(jsonText))
	if err != nil {
		return nil, fmt.Errorf("model output is not valid JSON: %w", err)
	}
	if !validation.Valid() {
		return nil, fmt.Errorf("model output failed schema validation: %v", validation.Errors())
	}

	var parsed mentionListResponse
	if err := json.Unmarshal([]byte(jsonText), &parsed); err != nil {
		return nil, err
	}

	mentions := make([]RawMention, 0, len(parsed.Entities))
	for _, m := range parsed.Entities {
		if m.StartOffset >= m.EndOffset || m.EndOffset > chunkLen {
			e.logger.Debug("Dropping mention with invalid offsets", map[string]interface{}{
				"text":  m.Text,
				"start": m.StartOffset,
				"end":   m.EndOffset,
			})
			continue
		}
		if m.Confidence == 0 {
			m.Confidence = 1.0
		}
		mentions = append(mentions, m)
	}
	return mentions, nil
}

// extractJSON pulls the first JSON object out of a model reply that may be
// wrapped in prose or a code fence.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return text
	}
	return text[start : end+1]
}
