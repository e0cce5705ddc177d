package fieldproofsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Fieldproof HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// ReportRun represents the API report run model.
type ReportRun struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	JobID       string `json:"job_id"`
	PacketType  string `json:"packet_type"`
	DataHash    string `json:"data_hash"`
	Status      string `json:"status"`
	GeneratedBy string `json:"generated_by"`
	GeneratedAt string `json:"generated_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// Signature represents a captured signature.
type Signature struct {
	ID              string `json:"id"`
	RunID           string `json:"run_id"`
	UserID          string `json:"user_id"`
	SignerName      string `json:"signer_name"`
	SignerTitle     string `json:"signer_title,omitempty"`
	Role            string `json:"role"`
	ImageSVG        string `json:"image_svg"`
	AttestationText string `json:"attestation_text"`
	SignatureHash   string `json:"signature_hash"`
	SignedAt        string `json:"signed_at"`
	RevokedAt       string `json:"revoked_at,omitempty"`
}

// Completeness reports which signature roles a run still needs.
type Completeness struct {
	Complete bool     `json:"complete"`
	Signed   []string `json:"signed"`
	Missing  []string `json:"missing"`
}

// LedgerEvent represents an audit ledger entry.
type LedgerEvent struct {
	ID         int64  `json:"id"`
	OrgID      string `json:"org_id"`
	ActorID    string `json:"actor_id"`
	EventType  string `json:"event_type"`
	Category   string `json:"category"`
	Severity   string `json:"severity"`
	Outcome    string `json:"outcome"`
	TargetType string `json:"target_type,omitempty"`
	TargetID   string `json:"target_id,omitempty"`
	Metadata   string `json:"metadata_json"`
	CreatedAt  string `json:"created_at"`
}

// ExportJob represents an export queue entry.
type ExportJob struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	RunID       string `json:"run_id"`
	State       string `json:"state"`
	CreatedAt   string `json:"created_at"`
	ClaimedBy   string `json:"claimed_by,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	Error       string `json:"error,omitempty"`
}

// SignRequest carries the fields needed to add a signature to a run.
type SignRequest struct {
	SignerUserID        string `json:"signer_user_id,omitempty"`
	Role                string `json:"role"`
	ImageSVG            string `json:"image_svg"`
	AttestationText     string `json:"attestation_text,omitempty"`
	AttestationAccepted bool   `json:"attestation_accepted"`
}

// APIError wraps non-2xx responses. Code and Details are populated when
// the server returned its structured error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRun creates a draft report run for a job.
func (c *Client) CreateRun(ctx context.Context, jobID, packetType string) (ReportRun, error) {
	body := map[string]any{
		"job_id":      jobID,
		"packet_type": packetType,
	}
	var resp ReportRun
	err := c.do(ctx, http.MethodPost, "report-runs", body, &resp)
	return resp, err
}

// ActiveRun returns the open run for a job, creating one if needed.
func (c *Client) ActiveRun(ctx context.Context, jobID, packetType string) (ReportRun, error) {
	endpoint := fmt.Sprintf("report-runs/active?job_id=%s&packet_type=%s",
		url.QueryEscape(jobID), url.QueryEscape(packetType))
	var resp ReportRun
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetRun fetches a run by id.
func (c *Client) GetRun(ctx context.Context, runID string) (ReportRun, error) {
	var resp ReportRun
	err := c.do(ctx, http.MethodGet, c.runPath(runID, ""), nil, &resp)
	return resp, err
}

// ListRuns returns every run for a job, newest first.
func (c *Client) ListRuns(ctx context.Context, jobID string) ([]ReportRun, error) {
	var resp []ReportRun
	endpoint := fmt.Sprintf("jobs/%s/report-runs", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetReady moves a draft run to ready_for_signatures.
func (c *Client) SetReady(ctx context.Context, runID string) (ReportRun, error) {
	body := map[string]any{"status": "ready_for_signatures"}
	var resp ReportRun
	err := c.do(ctx, http.MethodPatch, c.runPath(runID, ""), body, &resp)
	return resp, err
}

// Sign adds a signature to a run.
func (c *Client) Sign(ctx context.Context, runID string, req SignRequest) (Signature, error) {
	var resp Signature
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "signatures"), req, &resp)
	return resp, err
}

// ListSignatures returns all signatures on a run, revoked ones included.
func (c *Client) ListSignatures(ctx context.Context, runID string) ([]Signature, error) {
	var resp []Signature
	err := c.do(ctx, http.MethodGet, c.runPath(runID, "signatures"), nil, &resp)
	return resp, err
}

// CheckCompleteness reports which required roles have signed.
func (c *Client) CheckCompleteness(ctx context.Context, runID string) (Completeness, error) {
	var resp Completeness
	err := c.do(ctx, http.MethodGet, c.runPath(runID, "signatures/check"), nil, &resp)
	return resp, err
}

// RevokeSignature revokes a signature with a reason.
func (c *Client) RevokeSignature(ctx context.Context, runID, signatureID, reason string) (Signature, error) {
	body := map[string]any{"reason": reason}
	var resp Signature
	endpoint := c.runPath(runID, fmt.Sprintf("signatures/%s/revoke", url.PathEscape(signatureID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Finalize seals a run after verifying hashes and completeness.
func (c *Client) Finalize(ctx context.Context, runID string) (ReportRun, error) {
	var resp ReportRun
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "finalize"), nil, &resp)
	return resp, err
}

// EnqueueExport queues an export job for a sealed run.
func (c *Client) EnqueueExport(ctx context.Context, runID string) (ExportJob, error) {
	body := map[string]any{"run_id": runID}
	var resp ExportJob
	err := c.do(ctx, http.MethodPost, "export-jobs", body, &resp)
	return resp, err
}

// GetExport fetches an export job by id.
func (c *Client) GetExport(ctx context.Context, exportID string) (ExportJob, error) {
	var resp ExportJob
	endpoint := fmt.Sprintf("export-jobs/%s", url.PathEscape(exportID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// LedgerFilter narrows a ledger event listing. Zero values are ignored.
type LedgerFilter struct {
	EventType  string
	Category   string
	TargetType string
	TargetID   string
	AfterID    int64
	Limit      int
}

// LedgerEvents returns audit ledger entries matching the filter, oldest first.
func (c *Client) LedgerEvents(ctx context.Context, f LedgerFilter) ([]LedgerEvent, error) {
	q := url.Values{}
	if f.EventType != "" {
		q.Set("event_type", f.EventType)
	}
	if f.Category != "" {
		q.Set("category", f.Category)
	}
	if f.TargetType != "" {
		q.Set("target_type", f.TargetType)
	}
	if f.TargetID != "" {
		q.Set("target_id", f.TargetID)
	}
	if f.AfterID > 0 {
		q.Set("after_id", fmt.Sprintf("%d", f.AfterID))
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", f.Limit))
	}
	endpoint := "ledger-events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []LedgerEvent
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) runPath(runID, rest string) string {
	p := fmt.Sprintf("report-runs/%s", url.PathEscape(runID))
	if rest != "" {
		p += "/" + strings.TrimLeft(rest, "/")
	}
	return p
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base
}
