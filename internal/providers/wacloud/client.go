// Package wacloud is the outbound WhatsApp transport, speaking a
// Cloud-API-shaped HTTP interface. The dispatch core treats it as a black
// box: synchronous send with a timeout, plus error classification.
package wacloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
)

type Client struct {
	AccessToken   string
	PhoneNumberID string
	BaseURL       string
	HTTP          *http.Client
}

type SendRequest struct {
	To   string
	Body string
}

type SendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *APIError `json:"error"`
}

type APIError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode"`
}

func (e *APIError) Error() string { return e.Message }

// Send posts one text message. The returned provider message ID is only
// set on success.
func (c *Client) Send(ctx context.Context, req SendRequest) (providerMsgID string, httpStatus int, err error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                req.To,
		"type":              "text",
		"text":              map[string]string{"body": req.Body},
	}
	b, _ := json.Marshal(payload)

	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://graph.facebook.com/v19.0"
	}
	endpoint := baseURL + "/" + c.PhoneNumberID + "/messages"

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.AccessToken)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	var out SendResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Error != nil {
			return "", resp.StatusCode, out.Error
		}
		return "", resp.StatusCode, errors.New("whatsapp send failed")
	}
	if len(out.Messages) == 0 {
		return "", resp.StatusCode, errors.New("whatsapp send returned no message id")
	}
	return out.Messages[0].ID, resp.StatusCode, nil
}

// ShouldRetry classifies transport outcomes: timeouts, network errors,
// throttling and 5xx are transient; everything else is permanent.
func ShouldRetry(err error, httpStatus int) bool {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return true
		}
		var ae *APIError
		if errors.As(err, &ae) {
			return httpStatus == 429 || (httpStatus >= 500 && httpStatus <= 599)
		}
		// Plain transport error (connection refused, reset).
		if httpStatus == 0 {
			return true
		}
	}
	if httpStatus == 429 || httpStatus == 408 {
		return true
	}
	return httpStatus >= 500 && httpStatus <= 599
}

// Cloud API policy codes that indicate the sender is being blocked or
// flagged for spam. These feed the limiter's health score.
const (
	codeSpamRate      = 131048 // spam rate limit hit
	codeBlockedUser   = 131050 // user blocked this business
	codePolicyBlocked = 368    // temporarily blocked for policy violations
)

// ClassifyCode maps a transport failure to the internal error code
// vocabulary used by the ledger and the health score.
func ClassifyCode(err error, httpStatus int) string {
	var ae *APIError
	if errors.As(err, &ae) {
		switch ae.Code {
		case codeSpamRate:
			return "spam_block"
		case codeBlockedUser, codePolicyBlocked:
			return "policy_blocked"
		}
		if httpStatus == 400 {
			return "invalid_destination"
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if httpStatus == 429 {
		return "provider_busy"
	}
	if httpStatus == 0 {
		return "network_error"
	}
	return "provider_error"
}
