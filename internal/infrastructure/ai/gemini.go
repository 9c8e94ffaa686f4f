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

// GeminiClassifier labels captures through the Gemini generateContent API.
type GeminiClassifier struct {
	apiKey   string
	model    string
	baseURL  string
	client   *http.Client
	logger   *logging.ChanneledLogger
	guidance guidance
}

// NewGeminiClassifier creates the adapter.
func NewGeminiClassifier(apiKey, model, baseURL string, timeout time.Duration, normalDescription string, logger *logging.ChanneledLogger) *GeminiClassifier {
	c := &GeminiClassifier{
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
func (c *GeminiClassifier) Provider() string { return "gemini" }

// SetNormalDescription swaps the guidance applied to subsequent calls.
func (c *GeminiClassifier) SetNormalDescription(description string) {
	c.guidance.Set(description)
	c.logger.Classify().Info("Normal description updated", "provider", c.Provider())
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	ResponseMimeType string `json:"responseMimeType,omitempty"`
	MaxOutputTokens  int    `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Classify submits the capture to the vendor and normalizes the answer.
func (c *GeminiClassifier) Classify(ctx context.Context, imageBytes []byte) (capture.Verdict, error) {
	if c.apiKey == "" {
		return capture.Verdict{}, fmt.Errorf("gemini classifier: no API key configured")
	}

	payload := geminiRequest{
		SystemInstruction: &geminiContent{
			Parts: []geminiPart{{Text: systemPrompt}},
		},
		Contents: []geminiContent{
			{
				Role: "user",
				Parts: []geminiPart{
					{Text: buildPrompt(c.guidance.Get())},
					{InlineData: &geminiInlineData{
						MimeType: "image/jpeg",
						Data:     base64.StdEncoding.EncodeToString(imageBytes),
					}},
				},
			},
		},
		GenerationConfig: &geminiGenerationConfig{
			ResponseMimeType: "application/json",
			MaxOutputTokens:  300,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return capture.Verdict{}, fmt.Errorf("gemini classifier: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return capture.Verdict{}, fmt.Errorf("gemini classifier: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return capture.Verdict{}, fmt.Errorf("gemini classifier: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return capture.Verdict{}, fmt.Errorf("gemini classifier: read response: %w", err)
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return capture.Verdict{}, fmt.Errorf("gemini classifier: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		message := strings.TrimSpace(string(respBody))
		if parsed.Error != nil {
			message = parsed.Error.Message
		}
		return capture.Verdict{}, fmt.Errorf("gemini classifier: HTTP %d: %s", resp.StatusCode, message)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return capture.Verdict{}, fmt.Errorf("gemini classifier: response contained no candidates")
	}

	var text strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	verdict, err := parseVerdictText(text.String())
	if err != nil {
		return capture.Verdict{}, fmt.Errorf("gemini classifier: %w", err)
	}

	c.logger.Classify().Debug("Classification completed",
		"provider", c.Provider(), "state", string(verdict.State), "confidence", verdict.Confidence)
	return verdict, nil
}
