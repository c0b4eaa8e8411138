package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/scanwatch/rdio-monitor/pkg/logger"
)

// Ordered candidate keys per field, tried in priority order. The upstream
// API is loose about naming, so each field accepts several aliases.
var (
	callIDKeys     = []string{"id", "call_id"}
	timestampKeys  = []string{"timestamp", "time", "datetime"}
	talkgroupKeys  = []string{"talkgroup", "tg"}
	sourceKeys     = []string{"source", "src"}
	audioURLKeys   = []string{"audio_url", "audioUrl", "audio", "file"}
	systemKeys     = []string{"system", "system_name"}
	departmentKeys = []string{"department", "agency"}
	callTypeKeys   = []string{"type", "call_type"}
)

// Client fetches and parses raw call data from the remote scanner API.
type Client struct {
	httpClient    *http.Client
	apiURL        string
	authToken     string
	userAgent     string
	retryAttempts int
	retryDelay    time.Duration
	maxCalls      int
	logger        *logger.Logger
}

// NewClient creates a new scanner API client.
func NewClient(
	baseURL string,
	apiPath string,
	authToken string,
	userAgent string,
	timeout time.Duration,
	retryAttempts int,
	retryDelay time.Duration,
	maxCalls int,
	logger *logger.Logger,
) (*Client, error) {
	apiURL, err := url.JoinPath(baseURL, apiPath)
	if err != nil {
		return nil, fmt.Errorf("failed to build API URL: %w", err)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		apiURL:        apiURL,
		authToken:     authToken,
		userAgent:     userAgent,
		retryAttempts: retryAttempts,
		retryDelay:    retryDelay,
		maxCalls:      maxCalls,
		logger:        logger.Named("scanner-cli"),
	}, nil
}

// FetchCalls fetches raw call records from the API. It fails softly: network
// errors, timeouts, and malformed JSON are logged and yield an empty slice so
// one bad poll never takes the loop down.
func (c *Client) FetchCalls(ctx context.Context, since *time.Time, limit int) []json.RawMessage {
	if limit <= 0 {
		limit = c.maxCalls
	}

	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	if since != nil {
		params.Set("since", strconv.FormatInt(since.Unix(), 10))
	}

	c.logger.Debug("Fetching calls from API",
		logger.String("url", c.apiURL),
		logger.Int("limit", limit),
	)

	body, err := c.get(ctx, params)
	if err != nil {
		c.logger.Error("Failed to fetch calls from API", logger.Error(err))
		return nil
	}

	calls, err := extractCallArray(body)
	if err != nil {
		c.logger.Warn("Unexpected API response format", logger.Error(err))
		return nil
	}

	c.logger.Info("Fetched calls from API", logger.Int("count", len(calls)))
	return calls
}

// get executes a GET against the API with bounded retries. Transient
// failures (network errors, 429, 5xx) back off exponentially; other 4xx
// statuses fail immediately.
func (c *Client) get(ctx context.Context, params url.Values) ([]byte, error) {
	reqURL := c.apiURL
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	delay := c.retryDelay
	attempts := c.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying API request",
				logger.Int("attempt", attempt+1),
				logger.Int("max_attempts", attempts),
				logger.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
				delay *= 2
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		if c.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.authToken)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("failed to execute request: %w", err)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if readErr != nil {
				lastErr = fmt.Errorf("failed to read response body: %w", readErr)
				continue
			}
			return body, nil
		case retryableStatus(resp.StatusCode):
			lastErr = fmt.Errorf("retryable status code: %d", resp.StatusCode)
		default:
			return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", attempts, lastErr)
}

// retryableStatus reports whether an HTTP status warrants another attempt.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// extractCallArray accepts a bare JSON array, or an object carrying the
// array under a "calls" or "data" key.
func extractCallArray(body []byte) ([]json.RawMessage, error) {
	parsed := gjson.ParseBytes(body)

	var arr gjson.Result
	switch {
	case parsed.IsArray():
		arr = parsed
	case parsed.IsObject() && parsed.Get("calls").IsArray():
		arr = parsed.Get("calls")
	case parsed.IsObject() && parsed.Get("data").IsArray():
		arr = parsed.Get("data")
	default:
		return nil, fmt.Errorf("response is neither an array nor an object with calls/data")
	}

	items := arr.Array()
	calls := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		calls = append(calls, json.RawMessage(item.Raw))
	}
	return calls, nil
}

// ParseCallRecord parses one raw API call into a CallRecord. Parsing is
// tolerant: missing or malformed fields degrade to defaults rather than
// failing the whole batch. It returns nil only when the payload is not a
// JSON object at all.
func (c *Client) ParseCallRecord(raw json.RawMessage) *CallRecord {
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		c.logger.Debug("Skipping structurally invalid call record",
			logger.String("payload", truncate(string(raw), 200)),
		)
		return nil
	}

	callID := firstString(parsed, callIDKeys)
	if callID == "" {
		callID = uuid.NewString()
	}

	record := &CallRecord{
		CallID:     callID,
		Timestamp:  c.parseTimestamp(parsed, callID),
		Frequency:  firstResult(parsed, []string{"frequency"}).Float(),
		Talkgroup:  firstString(parsed, talkgroupKeys),
		Source:     firstString(parsed, sourceKeys),
		Duration:   firstResult(parsed, []string{"duration"}).Float(),
		AudioURL:   firstString(parsed, audioURLKeys),
		SystemName: firstString(parsed, systemKeys),
		Department: firstString(parsed, departmentKeys),
		CallType:   firstString(parsed, callTypeKeys),
		Units:      parseUnits(parsed.Get("units")),
		Metadata:   raw,
		Processed:  false,
		CreatedAt:  time.Now().UTC(),
	}

	c.logger.Debug("Parsed call record", logger.String("call_id", callID))
	return record
}

// parseTimestamp accepts Unix timestamps (numeric) and ISO-8601 strings,
// falling back to the current time with a warning when unparseable.
func (c *Client) parseTimestamp(parsed gjson.Result, callID string) time.Time {
	res := firstResult(parsed, timestampKeys)
	switch res.Type {
	case gjson.Number:
		return time.Unix(int64(res.Float()), 0).UTC()
	case gjson.String:
		if ts, err := time.Parse(time.RFC3339, res.String()); err == nil {
			return ts.UTC()
		}
		c.logger.Warn("Failed to parse call timestamp",
			logger.String("call_id", callID),
			logger.String("timestamp", res.String()),
		)
	}
	return time.Now().UTC()
}

// parseUnits normalizes the units field: string becomes a singleton list,
// arrays pass through, anything else becomes empty.
func parseUnits(res gjson.Result) []string {
	switch {
	case res.Type == gjson.String:
		return []string{res.String()}
	case res.IsArray():
		items := res.Array()
		units := make([]string, 0, len(items))
		for _, item := range items {
			units = append(units, item.String())
		}
		return units
	}
	return []string{}
}

// firstResult returns the first non-null value among the candidate keys.
func firstResult(parsed gjson.Result, keys []string) gjson.Result {
	for _, key := range keys {
		if res := parsed.Get(key); res.Exists() && res.Type != gjson.Null {
			return res
		}
	}
	return gjson.Result{}
}

// firstString returns the first non-empty value among the candidate keys,
// coercing numbers to their decimal string form.
func firstString(parsed gjson.Result, keys []string) string {
	res := firstResult(parsed, keys)
	if !res.Exists() {
		return ""
	}
	return res.String()
}

// TestConnection probes the API with a limit=1 request. Used by health
// checks and startup gating.
func (c *Client) TestConnection(ctx context.Context) bool {
	params := url.Values{}
	params.Set("limit", "1")

	if _, err := c.get(ctx, params); err != nil {
		c.logger.Error("Failed to connect to scanner API", logger.Error(err))
		return false
	}

	c.logger.Info("Successfully connected to scanner API")
	return true
}

// truncate shortens s to at most n bytes, backing up to a rune boundary so
// a multibyte sequence is never split.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
