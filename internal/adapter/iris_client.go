package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cctp-relayer/internal/ratelimit"
	"github.com/ethereum/go-ethereum/common/hexutil"

	relayerrors "github.com/cctp-relayer/internal/errors"
)

// IrisStatusComplete is the message status once the attestation is signed
const IrisStatusComplete = "complete"

// DefaultIrisTimeout bounds every request to the attestation service
const DefaultIrisTimeout = 10 * time.Second

var txHashPattern = regexp.MustCompile(`^0x[A-Fa-f0-9]{64}$`)

// ValidateTxHash checks that hash is a 0x-prefixed 32-byte hex string
func ValidateTxHash(hash string) error {
	if !txHashPattern.MatchString(hash) {
		return relayerrors.NewInvalidParameterError("txHash", "expected 0x followed by 64 hex characters")
	}
	return nil
}

// IrisNonce accepts the event nonce as either a JSON string or number
type IrisNonce string

// UnmarshalJSON implements json.Unmarshaler
func (n *IrisNonce) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*n = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = IrisNonce(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("invalid eventNonce %s: %w", string(data), err)
	}
	*n = IrisNonce(num.String())
	return nil
}

// IrisMessage is one CCTP v2 message as returned by the attestation service
type IrisMessage struct {
	Message     string    `json:"message"`
	Attestation string    `json:"attestation"`
	EventNonce  IrisNonce `json:"eventNonce"`
	Status      string    `json:"status"`
	CCTPVersion int       `json:"cctpVersion,omitempty"`
}

// IsComplete reports whether the message is signed and carries both payloads
func (m IrisMessage) IsComplete() bool {
	return m.Status == IrisStatusComplete && m.Message != "" && m.Attestation != ""
}

// IrisMessagesResponse is the body of GET /v2/messages/{domain}
type IrisMessagesResponse struct {
	Messages []IrisMessage `json:"messages"`
}

// IrisFeeQuote is one entry of GET /v2/burn/USDC/fees/{src}/{dst}
type IrisFeeQuote struct {
	FinalityThreshold int         `json:"finalityThreshold"`
	MinimumFee        json.Number `json:"minimumFee"`
}

// IrisClientConfig holds configuration for the attestation client
type IrisClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Limiter    ratelimit.Limiter
	HTTPClient *http.Client
}

// IrisClient talks to Circle's Iris attestation API
type IrisClient struct {
	baseURL string
	client  *http.Client
	limiter ratelimit.Limiter
}

// NewIrisClient creates a new attestation API client
func NewIrisClient(cfg IrisClientConfig) *IrisClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultIrisTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.Unlimited()
	}

	return &IrisClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		limiter: limiter,
	}
}

// GetMessages returns the messages emitted by txHash on the source domain.
// A 404 is reported as a not-available error and a 429 as a rate-limit error.
func (c *IrisClient) GetMessages(ctx context.Context, sourceDomain uint32, txHash string) ([]IrisMessage, error) {
	url := fmt.Sprintf("%s/v2/messages/%d?transactionHash=%s", c.baseURL, sourceDomain, txHash)

	body, err := c.doRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}

	var resp IrisMessagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, relayerrors.NewTransientError("decode iris messages", err)
	}
	return resp.Messages, nil
}

// Reattest asks the attestation service to re-sign the message with eventNonce
func (c *IrisClient) Reattest(ctx context.Context, eventNonce string) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/v2/reattest/%s", c.baseURL, eventNonce)

	body, err := c.doRequest(ctx, http.MethodPost, url)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// QuoteFees returns the burn fee schedule between two domains
func (c *IrisClient) QuoteFees(ctx context.Context, sourceDomain, destDomain uint32) ([]IrisFeeQuote, error) {
	url := fmt.Sprintf("%s/v2/burn/USDC/fees/%d/%d", c.baseURL, sourceDomain, destDomain)

	body, err := c.doRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}

	var quotes []IrisFeeQuote
	if err := json.Unmarshal(body, &quotes); err != nil {
		return nil, relayerrors.NewTransientError("decode fee quote", err)
	}
	return quotes, nil
}

// PollState is the classification of one attestation query
type PollState int

const (
	PollPending PollState = iota
	PollRateLimited
	PollError
	PollComplete
)

// String returns the state name used in logs
func (s PollState) String() string {
	switch s {
	case PollPending:
		return "pending"
	case PollRateLimited:
		return "rate_limited"
	case PollError:
		return "error"
	case PollComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// PollResult is the outcome of Poll. Message and Attestation are set only
// when State is PollComplete.
type PollResult struct {
	State       PollState
	RetryAfter  time.Duration
	Err         error
	Message     []byte
	Attestation []byte
	EventNonce  string
}

// Poll queries the messages for txHash and classifies the response. Not
// indexed yet and signed-but-incomplete both map to PollPending.
func (c *IrisClient) Poll(ctx context.Context, sourceDomain uint32, txHash string) PollResult {
	messages, err := c.GetMessages(ctx, sourceDomain, txHash)
	if err != nil {
		switch relayerrors.Categorize(err) {
		case relayerrors.CategoryNotAvailable:
			return PollResult{State: PollPending}
		case relayerrors.CategoryRateLimit:
			return PollResult{State: PollRateLimited, RetryAfter: retryAfterOf(err)}
		default:
			return PollResult{State: PollError, Err: err}
		}
	}

	for _, m := range messages {
		if !m.IsComplete() {
			continue
		}

		message, err := hexutil.Decode(m.Message)
		if err != nil {
			return PollResult{State: PollError, Err: relayerrors.NewTransientError("decode iris message", err)}
		}
		attestation, err := hexutil.Decode(m.Attestation)
		if err != nil {
			return PollResult{State: PollError, Err: relayerrors.NewTransientError("decode iris attestation", err)}
		}

		return PollResult{
			State:       PollComplete,
			Message:     message,
			Attestation: attestation,
			EventNonce:  string(m.EventNonce),
		}
	}

	return PollResult{State: PollPending}
}

// doRequest performs one rate-limited HTTP request and maps the status code
// onto the error taxonomy
func (c *IrisClient) doRequest(ctx context.Context, method, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, relayerrors.NewTransientError("wait for iris rate limiter", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, relayerrors.NewTransientError("iris request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, relayerrors.NewTransientError("read iris response", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, relayerrors.NewNotAvailableError("iris message")
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, relayerrors.NewRateLimitError("iris", parseRetryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, relayerrors.NewTransientError(
			fmt.Sprintf("iris %s %s", method, req.URL.Path),
			fmt.Errorf("Iris HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		)
	}

	return body, nil
}

// parseRetryAfter reads a Retry-After header in seconds, floored at 1.
// Missing or unparseable values return 0.
func parseRetryAfter(header string) int {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil {
		return 0
	}
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func retryAfterOf(err error) time.Duration {
	var ce *relayerrors.CategorizedError
	if !errors.As(err, &ce) {
		return 0
	}
	seconds, _ := ce.Details["retryAfter"].(int)
	return time.Duration(seconds) * time.Second
}
