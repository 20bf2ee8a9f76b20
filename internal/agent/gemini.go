package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"
)

// DefaultBaseURL is the public Generative Language API endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiBackend calls the generateContent REST method.
type GeminiBackend struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// NewGeminiBackend creates a backend with a bounded HTTP client.
func NewGeminiBackend(apiKey, baseURL string) *GeminiBackend {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &GeminiBackend{
		APIKey:     apiKey,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	Error *geminiError `json:"error"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Complete sends the history and returns the first candidate's text.
func (g *GeminiBackend) Complete(ctx context.Context, req Request) (string, error) {
	if req.Model == "" {
		return "", &Error{Kind: KindBadRequest, Message: "no model configured"}
	}

	body := geminiRequest{
		Contents: lo.Map(req.History, func(turn Turn, _ int) geminiContent {
			role := "user"
			if turn.Role == RoleAgent {
				role = "model"
			}
			return geminiContent{Role: role, Parts: []geminiPart{{Text: turn.Text}}}
		}),
	}
	if req.SystemInstruction != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemInstruction}}}
	}
	body.GenerationConfig.MaxOutputTokens = req.MaxOutputTokens

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", &Error{Kind: KindBadRequest, Message: "marshal request", Err: err}
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", g.BaseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return "", &Error{Kind: KindBadRequest, Message: "create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.APIKey != "" {
		httpReq.Header.Set("x-goog-api-key", g.APIKey)
	}

	resp, err := g.HTTPClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", &Error{Kind: KindCanceled, Err: ctx.Err()}
		}
		return "", &Error{Kind: KindUnavailable, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Kind: KindUnavailable, Status: resp.StatusCode, Message: "read response", Err: err}
	}

	var parsed geminiResponse
	jsonErr := json.Unmarshal(respBody, &parsed)

	if resp.StatusCode != http.StatusOK || parsed.Error != nil {
		e := &Error{Kind: classifyHTTP(resp.StatusCode), Status: resp.StatusCode}
		if parsed.Error != nil {
			e.Message = parsed.Error.Message
			if kind, ok := classifyStatus(parsed.Error.Status); ok {
				e.Kind = kind
			}
		}
		return "", e
	}
	if jsonErr != nil {
		return "", &Error{Kind: KindInternal, Status: resp.StatusCode, Message: "decode response", Err: jsonErr}
	}

	if len(parsed.Candidates) == 0 {
		return "", &Error{Kind: KindEmpty, Message: "no candidates"}
	}
	texts := lo.Map(parsed.Candidates[0].Content.Parts, func(p geminiPart, _ int) string { return p.Text })
	return strings.Join(texts, ""), nil
}

// classifyStatus maps the API's canonical status names onto kinds.
func classifyStatus(status string) (Kind, bool) {
	switch status {
	case "RESOURCE_EXHAUSTED":
		return KindRateLimited, true
	case "UNAVAILABLE", "DEADLINE_EXCEEDED":
		return KindUnavailable, true
	case "INTERNAL":
		return KindInternal, true
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION", "NOT_FOUND", "OUT_OF_RANGE":
		return KindBadRequest, true
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		return KindAuth, true
	default:
		return "", false
	}
}

// classifyHTTP is the fallback when the body carries no status name.
func classifyHTTP(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusInternalServerError:
		return KindInternal
	case code == http.StatusBadGateway, code == http.StatusServiceUnavailable, code == http.StatusGatewayTimeout:
		return KindUnavailable
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return KindAuth
	case code >= 400 && code < 500:
		return KindBadRequest
	default:
		return KindUnknown
	}
}
