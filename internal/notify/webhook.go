package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fleetalert/internal/config"
)

// StatusError is one non-2xx webhook response classification.
// Params: HTTP status code and optional Retry-After hint.
// Returns: error letting the dispatcher pick retry behavior.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
	Body       string
}

// Error returns status error message.
// Params: none.
// Returns: status code with optional trimmed body.
func (e StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook status=%d", e.Code)
	}
	return fmt.Sprintf("webhook status=%d body=%s", e.Code, e.Body)
}

// webhookAttachment mirrors the Slack-compatible attachment layout.
type webhookAttachment struct {
	Color  string  `json:"color,omitempty"`
	Title  string  `json:"title"`
	Text   string  `json:"text,omitempty"`
	Fields []Field `json:"fields,omitempty"`
	Footer string  `json:"footer,omitempty"`
}

// webhookPayload is the top-level webhook request document.
type webhookPayload struct {
	Attachments []webhookAttachment `json:"attachments"`
}

// WebhookSender posts rendered messages to a Slack-compatible webhook URL.
// Params: webhook config and per-attempt HTTP client.
// Returns: primary notification channel sender.
type WebhookSender struct {
	url    string
	client *http.Client
}

// NewWebhookSender creates webhook sender with per-attempt timeout.
// Params: webhook notifier config.
// Returns: initialized sender.
func NewWebhookSender(cfg config.WebhookNotifier) *WebhookSender {
	return &WebhookSender{
		url: strings.TrimSpace(cfg.URL),
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
	}
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *WebhookSender) Channel() string {
	return "webhook"
}

// Send posts one rendered message as a Slack-style attachment document.
// Params: context and rendered message.
// Returns: StatusError for non-2xx responses or transport error.
func (s *WebhookSender) Send(ctx context.Context, msg Message) (SendResult, error) {
	payload := webhookPayload{
		Attachments: []webhookAttachment{{
			Color:  msg.Color,
			Title:  msg.Title,
			Text:   msg.Text,
			Fields: msg.Fields,
			Footer: msg.Suggestion,
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, fmt.Errorf("encode webhook payload: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, fmt.Errorf("build webhook request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := s.client.Do(request)
	if err != nil {
		return SendResult{}, fmt.Errorf("webhook send: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return SendResult{}, nil
	}
	return SendResult{}, statusErrorFromResponse(response)
}

// statusErrorFromResponse classifies one non-2xx webhook response.
// Params: HTTP response pointer.
// Returns: StatusError with parsed Retry-After for 429 responses.
func statusErrorFromResponse(response *http.Response) StatusError {
	statusErr := StatusError{Code: response.StatusCode}

	rawBody, err := io.ReadAll(io.LimitReader(response.Body, 4096))
	if err == nil {
		statusErr.Body = strings.TrimSpace(string(rawBody))
	}
	if response.StatusCode == http.StatusTooManyRequests {
		statusErr.RetryAfter = parseRetryAfter(response.Header.Get("Retry-After"))
	}
	return statusErr
}

// parseRetryAfter parses the Retry-After header value.
// Params: raw header value in delta-seconds or HTTP-date form.
// Returns: wait duration, or zero when the value is absent/unparseable.
func parseRetryAfter(raw string) time.Duration {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(trimmed); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(trimmed); err == nil {
		wait := time.Until(at)
		if wait > 0 {
			return wait
		}
	}
	return 0
}
