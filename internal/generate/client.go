// Package generate is the HTTP client for the remote text-to-diagram
// generation endpoint.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/inklet-app/diagramchat/backend/internal/model/chat"
	"github.com/inklet-app/diagramchat/backend/internal/stream"
)

// QuotaExhaustedMessage is the distinguished daily-quota error. Callers
// compare against it to suppress the normal assistant error treatment.
const QuotaExhaustedMessage = "Too many requests today, please try again tomorrow!"

// GenerationFailedMessage is the fallback for upstream failures that carry no
// body text, and for streams that settle without producing any content.
const GenerationFailedMessage = "Generation failed..."

// ErrQuotaExhausted is returned when the endpoint answers 429.
var ErrQuotaExhausted = errors.New(QuotaExhaustedMessage)

// Result carries whatever the endpoint reported on settlement. The rate-limit
// fields are filled from response headers even when the call itself failed;
// nil means the endpoint did not report that value.
type Result struct {
	Text               string
	RateLimit          *int
	RateLimitRemaining *int
}

// Client issues streaming generation requests.
type Client struct {
	endpoint string
	http     *http.Client
	logger   *zap.Logger
}

// NewClient builds a client for the given endpoint URL.
func NewClient(endpoint string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		endpoint: endpoint,
		http:     httpClient,
		logger:   logger,
	}
}

type generatePayload struct {
	Messages []chat.APIMessage `json:"messages"`
}

// Stream posts the message history and consumes the token stream, invoking
// onFragment for every decoded fragment in arrival order. Cancelling ctx
// aborts the request; the returned error then wraps ctx.Err().
func (c *Client) Stream(ctx context.Context, messages []chat.APIMessage, onFragment func(fragment string)) (Result, error) {
	var res Result

	body, err := json.Marshal(generatePayload{Messages: messages})
	if err != nil {
		return res, fmt.Errorf("encode generation payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return res, fmt.Errorf("build generation request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return res, err
	}

	res.RateLimit, res.RateLimitRemaining = stream.ParseRateLimitHeaders(resp.Header)

	if resp.StatusCode == http.StatusTooManyRequests {
		_ = resp.Body.Close()
		return res, ErrQuotaExhausted
	}
	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		msg := string(bytes.TrimSpace(text))
		if msg == "" {
			msg = GenerationFailedMessage
		}
		c.logger.Warn("generation endpoint rejected request",
			zap.Int("status", resp.StatusCode),
			zap.String("message", msg))
		return res, errors.New(msg)
	}

	reader := stream.NewReader(resp.Body)
	defer reader.Close()

	for {
		fragment, recvErr := reader.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			// Fragments decoded before the failure were already delivered;
			// keep what accumulated so the caller can preserve partial text.
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return res, recvErr
		}
		if fragment == "" {
			continue
		}

		res.Text += fragment
		if onFragment != nil {
			onFragment(fragment)
		}
	}

	if res.Text == "" {
		return res, errors.New(GenerationFailedMessage)
	}
	return res, nil
}
