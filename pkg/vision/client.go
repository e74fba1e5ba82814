// Package vision wraps the Anthropic API for repair-item photo assessment.
// Staff use the result as a starting point for an estimate; nothing here is
// customer-facing.
package vision

import (
	"context"
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Assessment is the model's read of a customer's item photos.
type Assessment struct {
	ItemType          string   `json:"item_type"`
	Material          string   `json:"material"`
	DamageSummary     string   `json:"damage_summary"`
	SuggestedServices []string `json:"suggested_services"`
	Confidence        float64  `json:"confidence"`
}

// Request carries the photos of one submission plus whatever the customer
// said around them.
type Request struct {
	ImageURLs       []string
	ContextMessages []string
}

// Analyzer defines the vision operations used by the estimation flow.
type Analyzer interface {
	AssessItem(ctx context.Context, req Request) (*Assessment, error)
}

// TokenUsage tracks token consumption for one assessment.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// modelPricing holds per-million-token pricing for known models.
var modelPricing = map[string][2]float64{
	// model → {input $/MTok, output $/MTok}
	"claude-haiku-4-5-20251001":  {0.80, 4.00},
	"claude-sonnet-4-5-20250929": {3.00, 15.00},
}

// EstimateCost computes an estimated cost in USD from a TokenUsage and model ID.
// Returns 0 for unknown models.
func (u TokenUsage) EstimateCost(model string) float64 {
	pricing, ok := modelPricing[model]
	if !ok {
		return 0
	}
	inCost := (float64(u.InputTokens) / 1e6) * pricing[0]
	outCost := (float64(u.OutputTokens) / 1e6) * pricing[1]
	return inCost + outCost
}

// LogCost logs token usage and estimated cost with structured zap fields.
func (u TokenUsage) LogCost(model string) {
	zap.L().Info("vision cost attribution",
		zap.String("model", model),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Float64("estimated_cost_usd", u.EstimateCost(model)),
	)
}

const systemPrompt = `You assess photos of items sent to a repair shop (shoes, bags, garments, leather goods).
Reply with a single JSON object: {"item_type": string, "material": string, "damage_summary": string, "suggested_services": [string], "confidence": number between 0 and 1}.
Suggested services must be short service names, not prices. If the photos do not show a repairable item, use item_type "unknown" and confidence 0.`

// Option configures the analyzer.
type Option func(*sdkAnalyzer)

// WithModel overrides the default assessment model.
func WithModel(model string) Option {
	return func(a *sdkAnalyzer) {
		a.model = model
	}
}

// WithMaxImages caps how many photos of a submission are sent per request.
func WithMaxImages(n int) Option {
	return func(a *sdkAnalyzer) {
		if n > 0 {
			a.maxImages = n
		}
	}
}

// sdkAnalyzer implements Analyzer using the official anthropic-sdk-go.
type sdkAnalyzer struct {
	client    sdk.Client
	model     string
	maxImages int
}

// NewAnalyzer creates an Analyzer backed by the Anthropic SDK.
func NewAnalyzer(apiKey string, opts ...Option) Analyzer {
	a := &sdkAnalyzer{
		client:    sdk.NewClient(option.WithAPIKey(apiKey)),
		model:     "claude-haiku-4-5-20251001",
		maxImages: 5,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *sdkAnalyzer) AssessItem(ctx context.Context, req Request) (*Assessment, error) {
	if len(req.ImageURLs) == 0 {
		return nil, eris.New("vision: no images to assess")
	}

	urls := req.ImageURLs
	if len(urls) > a.maxImages {
		urls = urls[:a.maxImages]
	}

	blocks := make([]sdk.ContentBlockParamUnion, 0, len(urls)+1)
	for _, u := range urls {
		blocks = append(blocks, sdk.ContentBlockParamUnion{
			OfImage: &sdk.ImageBlockParam{
				Source: sdk.ImageBlockParamSourceUnion{
					OfURL: &sdk.URLImageSourceParam{URL: u},
				},
			},
		})
	}

	prompt := "Assess the item in these photos."
	if len(req.ContextMessages) > 0 {
		prompt += " The customer said:\n" + strings.Join(req.ContextMessages, "\n")
	}
	blocks = append(blocks, sdk.NewTextBlock(prompt))

	msg, err := a.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: 1024,
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(blocks...)},
	})
	if err != nil {
		return nil, eris.Wrap(err, "vision: assess item")
	}

	var text string
	for _, b := range msg.Content {
		if b.Type == "text" {
			text = b.Text
			break
		}
	}
	if text == "" {
		return nil, eris.New("vision: empty model response")
	}

	var out Assessment
	if err := json.Unmarshal([]byte(cleanJSON(text)), &out); err != nil {
		return nil, eris.Wrap(err, "vision: unmarshal assessment")
	}

	usage := TokenUsage{
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}
	usage.LogCost(string(msg.Model))

	return &out, nil
}

// cleanJSON strips markdown fences and any prose around the JSON object the
// model returned.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
