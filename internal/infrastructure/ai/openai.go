package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/okmonitor/okmonitor-go/internal/domain/capture"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/observability/logging"
)

// OpenAIClassifier labels captures through the OpenAI chat completions API.
type OpenAIClassifier struct {
	apiKey   string
	model    string
	baseURL  string
	client   *http.Client
	logger   *logging.ChanneledLogger
	guidance guidance
}

// NewOpenAIClassifier creates the adapter. An empty apiKey produces a
// classifier whose calls fail fast with a configuration error; callers
// decide whether to treat that as "backend unavailable".
func NewOpenAIClassifier(apiKey, model, baseURL string, timeout time.Duration, normalDescription string, logger *logging.ChanneledLogger) *OpenAIClassifier {
	c := &OpenAIClassifier{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
	c.guidance.Set(normalDescription)
	return c
}

// Provider returns the backend's real name for logs and audit records.
func (c *OpenAIClassifier) Provider() string { return "openai" }

// SetNormalDescription swaps the guidance applied to subsequent calls.
func (c *OpenAIClassifier) SetNormalDescription(description string) {
	c.guidance.Set(description)
	c.logger.Classify().Info("Normal description updated", "provider", c.Provider())
}

type openAIRequest struct {
	Model          string              `json:"model"`
	Messages       []openAIMessage     `json:"messages"`
	MaxTokens      int                 `json:"max_tokens"`
	ResponseFormat *openAIResponseSpec `json:"response_format,omitempty"`
}

type openAIResponseSpec struct {
	Type string `json:"type"`
}

type openAIMessage struct {
	Role    string        `json:"role"`
	Content []openAIBlock `json:"content"`
}

type openAIBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Classify submits the capture to the vendor and normalizes the answer.
func (c *OpenAIClassifier) Classify(ctx context.Context, imageBytes []byte) (capture.Verdict, error) {
	if c.apiKey == "" {
		return capture.Verdict{}, fmt.Errorf("openai classifier: no API key configured")
	}

	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(imageBytes)
	payload := openAIRequest{
		Model:          c.model,
		MaxTokens:      300,
		ResponseFormat: &openAIResponseSpec{Type: "json_object"},
		Messages: []openAIMessage{
			{
				Role:    "system",
				Content: []openAIBlock{{Type: "text", Text: systemPrompt}},
			},
			{
				Role: "user",
				Content: []openAIBlock{
					{Type: "text", Text: buildPrompt(c.guidance.Get())},
					{Type: "image_url", ImageURL: &openAIImageURL{URL: dataURL}},
				},
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return capture.Verdict{}, fmt.Errorf("openai classifier: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return capture.Verdict{}, fmt.Errorf("openai classifier: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return capture.Verdict{}, fmt.Errorf("openai classifier: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return capture.Verdict{}, fmt.Errorf("openai classifier: read response: %w", err)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return capture.Verdict{}, fmt.Errorf("openai classifier: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		message := strings.TrimSpace(string(respBody))
		if parsed.Error != nil {
			message = parsed.Error.Message
		}
		return capture.Verdict{}, fmt.Errorf("openai classifier: HTTP %d: %s", resp.StatusCode, message)
	}
	if len(parsed.Choices) == 0 {
		return capture.Verdict{}, fmt.Errorf("openai classifier: response contained no choices")
	}

	verdict, err := parseVerdictText(parsed.Choices[0].Message.Content)
	if err != nil {
		return capture.Verdict{}, fmt.Errorf("openai classifier: %w", err)
	}

	c.logger.Classify().Debug("Classification completed",
		"provider", c.Provider(), "state", string(verdict.State), "confidence", verdict.Confidence)
	return verdict, nil
}

// parseVerdictText extracts the verdict JSON from a model reply, tolerating
// markdown fences and surrounding prose.
func parseVerdictText(text string) (capture.Verdict, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return capture.Verdict{}, fmt.Errorf("empty model reply")
	}

	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			text = text[start : end+1]
		}
	}

	var payload verdictPayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return capture.Verdict{}, fmt.Errorf("unparseable verdict JSON: %w", err)
	}

	verdict, ok := payload.toVerdict()
	if !ok {
		return capture.Verdict{}, fmt.Errorf("verdict JSON missing state label")
	}
	return verdict, nil
}
