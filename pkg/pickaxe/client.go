// Package pickaxe is a small Go client for the Pickaxe REST API.
package pickaxe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to a Pickaxe server.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// AdminSecret, when set, is sent on admin endpoints.
	AdminSecret string
}

// NewClient creates a client for the given base URL (no trailing slash).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pickaxe: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Session mirrors the server's session representation.
type Session struct {
	ID            string     `json:"id"`
	SubjectID     string     `json:"subjectId"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"startedAt"`
	MaxDurationMs int64      `json:"maxDurationMs"`
	RatePerHour   string     `json:"ratePerHour"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	FinalAmount   string     `json:"finalAmount,omitempty"`
	LedgerTxID    string     `json:"ledgerTxId,omitempty"`
}

// StartResult is returned when a session is opened.
type StartResult struct {
	SessionID     string    `json:"sessionId"`
	StartedAt     time.Time `json:"startedAt"`
	RatePerHour   string    `json:"ratePerHour"`
	MaxDurationMs int64     `json:"maxDurationMs"`
	ServerTime    time.Time `json:"serverTime"`
}

// SessionView is the live view of an active session.
type SessionView struct {
	SessionID   string    `json:"sessionId"`
	SubjectID   string    `json:"subjectId"`
	Accrued     string    `json:"accrued"`
	RemainingMs int64     `json:"remainingMs"`
	ServerTime  time.Time `json:"serverTime"`
}

// ClientReport is the client's own accrual estimate, submitted on complete.
type ClientReport struct {
	ReportedAmount    string `json:"reportedAmount,omitempty"`
	ReportedElapsedMs int64  `json:"reportedElapsedMs,omitempty"`
}

// Balance is a subject's bucketed balance.
type Balance struct {
	SubjectID   string `json:"subjectId"`
	Sendable    string `json:"sendable"`
	NonSendable string `json:"nonSendable"`
	Pending     string `json:"pending"`
}

// SettlementResult is returned when a session settles.
type SettlementResult struct {
	Session    *Session `json:"session"`
	LedgerTxID string   `json:"ledgerTxId"`
}

// Transaction is a ledger record.
type Transaction struct {
	ID            string    `json:"id"`
	ToSubjectID   string    `json:"toSubjectId"`
	FromSubjectID string    `json:"fromSubjectId,omitempty"`
	Amount        string    `json:"amount"`
	Kind          string    `json:"kind"`
	SessionID     string    `json:"sessionId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// TransactionPage is one page of a subject's history.
type TransactionPage struct {
	Transactions []*Transaction `json:"transactions"`
	NextCursor   string         `json:"nextCursor"`
	HasMore      bool           `json:"hasMore"`
}

// StartSession opens a mining session for the subject.
func (c *Client) StartSession(ctx context.Context, subjectID, deviceInfo string) (*StartResult, error) {
	body := map[string]string{"subjectId": subjectID}
	if deviceInfo != "" {
		body["deviceInfo"] = deviceInfo
	}
	var out StartResult
	if err := c.do(ctx, "POST", "/v1/mining/sessions", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CurrentSession returns the subject's active session view, if any.
func (c *Client) CurrentSession(ctx context.Context, subjectID string) (*SessionView, error) {
	var out SessionView
	path := "/v1/mining/sessions/current?subjectId=" + url.QueryEscape(subjectID)
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteSession settles a session. report may be nil.
func (c *Client) CompleteSession(ctx context.Context, sessionID string, report *ClientReport) (*SettlementResult, error) {
	var body interface{}
	if report != nil {
		body = report
	}
	var out SettlementResult
	path := "/v1/mining/sessions/" + url.PathEscape(sessionID) + "/complete"
	if err := c.do(ctx, "POST", path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelSession discards a session without payout.
func (c *Client) CancelSession(ctx context.Context, sessionID string) (*SettlementResult, error) {
	var out SettlementResult
	path := "/v1/mining/sessions/" + url.PathEscape(sessionID) + "/cancel"
	if err := c.do(ctx, "POST", path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Balance fetches a subject's balance.
func (c *Client) Balance(ctx context.Context, subjectID string) (*Balance, string, error) {
	var out struct {
		Balance *Balance `json:"balance"`
		Total   string   `json:"total"`
	}
	path := "/v1/subjects/" + url.PathEscape(subjectID) + "/balance"
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, "", err
	}
	return out.Balance, out.Total, nil
}

// Transactions fetches one page of a subject's history. Pass an empty
// cursor for the first page.
func (c *Client) Transactions(ctx context.Context, subjectID, cursor string, limit int) (*TransactionPage, error) {
	path := "/v1/subjects/" + url.PathEscape(subjectID) + "/transactions"
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out TransactionPage
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.AdminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.AdminSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
