package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"go.uber.org/zap"

	"github.com/nhle/leadmail/internal/model"
)

const (
	defaultLLMBaseURL   = "https://api.openai.com/v1"
	defaultLLMModel     = "gpt-4o-mini"
	defaultLLMMaxTokens = 1024
	maxPromptHTML       = 200_000
)

const correctionPrompt = "Fix your answer: reply ONLY with the required JSON array, no comments."

// errNoJSONArray is wrapped into an ExtractionError when the reply holds
// no parsable lead array.
var errNoJSONArray = errors.New("response is not a JSON lead array")

// LLMExtractor asks an OpenAI-compatible chat completions endpoint to read
// a message the portal extractors could not.
type LLMExtractor struct {
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
	client    *http.Client
	system    string
	log       *zap.Logger
}

// NewLLMExtractor creates an extractor from cfg.
func NewLLMExtractor(cfg model.LLMConfig, log *zap.Logger) *LLMExtractor {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultLLMBaseURL
	}
	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultLLMModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultLLMMaxTokens
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &LLMExtractor{
		baseURL:   baseURL,
		apiKey:    cfg.APIKey,
		model:     modelName,
		maxTokens: maxTokens,
		client:    &http.Client{Timeout: timeout},
		system:    buildSystemPrompt(),
		log:       log.With(zap.String("component", "llm")),
	}
}

// Extract reads msg without a portal hint.
func (e *LLMExtractor) Extract(ctx context.Context, msg model.RawMessage) (*model.Lead, error) {
	return e.ExtractWithHint(ctx, msg, "")
}

// ExtractWithHint reads msg, passing hint as the likely portal name. If
// the first reply contains no JSON array the model is asked once to
// correct itself. A reply that still cannot be parsed is an
// *ExtractionError.
func (e *LLMExtractor) ExtractWithHint(
	ctx context.Context, msg model.RawMessage, hint string,
) (*model.Lead, error) {
	messages := []chatMessage{
		{Role: "system", Content: e.system},
		{Role: "user", Content: buildUserPrompt(msg, hint)},
	}

	reply, err := e.complete(ctx, messages)
	if err != nil {
		return nil, &ExtractionError{MessageID: msg.MessageID, Portal: hint, Err: err}
	}

	if !strings.Contains(reply, "[") || !strings.Contains(reply, "]") {
		e.log.Debug("reply has no JSON array, asking for a correction",
			zap.String("message_id", msg.MessageID))
		messages = append(messages,
			chatMessage{Role: "assistant", Content: reply},
			chatMessage{Role: "user", Content: correctionPrompt},
		)
		fixed, err := e.complete(ctx, messages)
		if err != nil {
			return nil, &ExtractionError{MessageID: msg.MessageID, Portal: hint, Err: err}
		}
		if fixed != "" {
			reply = fixed
		}
	}

	leads, err := parseLeadArray(reply)
	if err != nil {
		return nil, &ExtractionError{MessageID: msg.MessageID, Portal: hint, Err: err}
	}

	if len(leads) == 0 {
		return &model.Lead{From: msg.From, To: msg.To, Portal: hint}, nil
	}
	lead := postNormalize(leads[0], msg, hint)
	return &lead, nil
}

// complete makes a single chat completions request and returns the text
// of the first choice.
func (e *LLMExtractor) complete(ctx context.Context, messages []chatMessage) (string, error) {
	reqBody := chatRequest{
		Model:       e.model,
		MaxTokens:   e.maxTokens,
		Temperature: 0,
		Messages:    messages,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, e.baseURL+"/chat/completions", bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling completions API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr chatErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", nil
	}
	return result.Choices[0].Message.Content, nil
}

// parseLeadArray parses the first [...] span of reply, falling back to
// the whole reply.
func parseLeadArray(reply string) ([]llmLead, error) {
	var leads []llmLead

	first := strings.Index(reply, "[")
	last := strings.LastIndex(reply, "]")
	if first >= 0 && last > first {
		if err := json.Unmarshal([]byte(reply[first:last+1]), &leads); err == nil {
			return leads, nil
		}
	}

	if err := json.Unmarshal([]byte(strings.TrimSpace(reply)), &leads); err != nil {
		return nil, fmt.Errorf("%w: %v", errNoJSONArray, err)
	}
	return leads, nil
}

// llmLead mirrors model.Lead with nullable fields, since models return
// null despite being told not to.
type llmLead struct {
	LeadName  *string `json:"leadName"`
	LeadEmail *string `json:"leadEmail"`
	LeadPhone *string `json:"leadPhone"`
	Vehicle   *string `json:"vehicle"`
	From      *string `json:"from"`
	To        *string `json:"to"`
	Portal    *string `json:"portal"`
	ValueRaw  *string `json:"valueRaw"`
	Value     *string `json:"value"`
}

// postNormalize fills what the model left empty from the message itself
// and enforces the value formats.
func postNormalize(item llmLead, msg model.RawMessage, hint string) model.Lead {
	str := func(p *string) string {
		if p == nil {
			return ""
		}
		return strings.TrimSpace(*p)
	}

	lead := model.Lead{
		LeadName:  str(item.LeadName),
		LeadEmail: str(item.LeadEmail),
		LeadPhone: str(item.LeadPhone),
		Vehicle:   str(item.Vehicle),
		From:      str(item.From),
		To:        str(item.To),
		Portal:    str(item.Portal),
		ValueRaw:  str(item.ValueRaw),
		Value:     digitsOnly(str(item.Value)),
	}

	if lead.Portal == "" {
		lead.Portal = hint
	}
	if lead.From == "" {
		lead.From = msg.From
	}
	if lead.To == "" {
		lead.To = msg.To
	}
	if lead.Value != "" && lead.ValueRaw == "" {
		lead.ValueRaw = "R$ " + groupThousands(lead.Value)
	}
	return lead
}

// buildSystemPrompt returns the fixed instructions, including the JSON
// schema of the expected lead object.
func buildSystemPrompt() string {
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	schema, err := json.MarshalIndent(r.Reflect(&model.Lead{}), "", "  ")
	if err != nil {
		schema = []byte("{}")
	}

	var sb strings.Builder
	sb.WriteString("You extract sales leads from emails sent by Brazilian car listing portals.\n")
	sb.WriteString("Read the headers, subject, addresses and HTML and return EXACTLY one JSON array ")
	sb.WriteString("holding ONE object that matches this JSON schema:\n\n")
	sb.Write(schema)
	sb.WriteString("\n\nRULES:\n")
	sb.WriteString("- Return ONLY the JSON array. No comments, extra text or extra fields.\n")
	sb.WriteString("- Use \"\" for anything missing from the email. Never use null.\n")
	sb.WriteString("- leadName: the person, not a business name (\"Carros do Fernando Lima\" -> \"Fernando Lima\").\n")
	sb.WriteString("- leadEmail: the lead's email found in the body, not the sender or recipient.\n")
	sb.WriteString("- leadPhone: digits only with area code, e.g. \"(21) 97004-2051\" -> \"21970042051\".\n")
	sb.WriteString("- valueRaw: starts with \"R$ \" using BR separators, e.g. \"R$ 56.900\" or \"R$ 108.900,00\".\n")
	sb.WriteString("- value: only the digits of the price, e.g. \"56900\", or \"10890000\" when cents are shown.\n")
	sb.WriteString("- portal: infer from the sender domain, signature or logos; otherwise use the PORTAL HINT.\n")
	sb.WriteString("- from and to: email addresses of the sender and recipient.\n")
	sb.WriteString("- NEVER rename fields. NEVER return more than one object.\n")
	return sb.String()
}

// buildUserPrompt lays out the message in delimited sections.
func buildUserPrompt(msg model.RawMessage, hint string) string {
	body := msg.HTML
	if body == "" {
		body = msg.Text
	}
	if len(body) > maxPromptHTML {
		body = body[:maxPromptHTML]
	}

	headers := fmt.Sprintf("Message-ID: %s\nDate: %s\nFrom: %s\nTo: %s\nSubject: %s",
		msg.MessageID, msg.ReceivedAt.Format(time.RFC1123Z), msg.From, msg.To, msg.Subject)

	parts := []string{
		"### HEADERS ###\n" + headers,
		"### SUBJECT ###\n" + msg.Subject,
		"### FROM ###\n" + msg.From,
		"### TO ###\n" + msg.To,
		"### PORTAL HINT ###\n" + hint,
		"### HTML ###\n" + body,
	}
	return strings.Join(parts, "\n\n")
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
