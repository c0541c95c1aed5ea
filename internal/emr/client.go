package emr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quickclinic/booking-platform/internal/consultation"
	"github.com/quickclinic/booking-platform/pkg/logging"
)

var tracer = otel.Tracer("quickclinic.internal.emr")

// Client talks to the clinic-management system. It implements the pull
// contract (GET /<resource>?modified_since=<ts>&page=<n>) and the visit/queue
// calls the consultation lifecycle needs.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	logger      *logging.Logger
	maxAttempts int
	baseDelay   time.Duration
	sleep       func(time.Duration)
}

// NewClient creates an EMR client with bounded exponential retry on
// transient failures.
func NewClient(baseURL, apiKey string, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		logger:      logger,
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
		sleep:       time.Sleep,
	}
}

// WithRetry overrides the retry policy.
func (c *Client) WithRetry(maxAttempts int, baseDelay time.Duration) *Client {
	if maxAttempts > 0 {
		c.maxAttempts = maxAttempts
	}
	if baseDelay > 0 {
		c.baseDelay = baseDelay
	}
	return c
}

// Pull fetches one page of a resource modified since the given time.
func (c *Client) Pull(ctx context.Context, resource string, modifiedSince time.Time, page int) (*Page, error) {
	ctx, span := tracer.Start(ctx, "emr.pull")
	defer span.End()
	span.SetAttributes(
		attribute.String("emr.resource", resource),
		attribute.Int("emr.page", page),
	)

	query := url.Values{}
	if !modifiedSince.IsZero() {
		query.Set("modified_since", modifiedSince.UTC().Format(time.RFC3339))
	}
	query.Set("page", strconv.Itoa(page))

	body, err := c.do(ctx, http.MethodGet, "/"+resource+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Data  []json.RawMessage `json:"data"`
		Pager *Pager            `json:"pager"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("emr: decode pull page: %w", err)
	}

	out := &Page{Pager: envelope.Pager}
	for _, raw := range envelope.Data {
		item, err := decodeItem(raw)
		if err != nil {
			return nil, err
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

// FetchByID fetches the authoritative copy of one resource.
func (c *Client) FetchByID(ctx context.Context, resource, id string) (*Item, error) {
	ctx, span := tracer.Start(ctx, "emr.fetch")
	defer span.End()
	span.SetAttributes(
		attribute.String("emr.resource", resource),
		attribute.String("emr.id", id),
	)

	body, err := c.do(ctx, http.MethodGet, "/"+resource+"/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	item, err := decodeItem(body)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// EnsurePatient registers (or resolves) the EMR patient for an account.
func (c *Client) EnsurePatient(ctx context.Context, accountID uuid.UUID) (string, error) {
	payload, _ := json.Marshal(map[string]string{"external_reference": accountID.String()})
	body, err := c.do(ctx, http.MethodPost, "/patients", payload)
	if err != nil {
		return "", err
	}
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("emr: decode patient: %w", err)
	}
	if parsed.ID == "" {
		return "", &PermanentError{Err: fmt.Errorf("patient response missing id")}
	}
	return parsed.ID, nil
}

// CreateQueueEntry enrolls a patient into the branch queue.
func (c *Client) CreateQueueEntry(ctx context.Context, emrPatientID, branchID string) (consultation.QueueEntry, error) {
	payload, _ := json.Marshal(map[string]string{
		"patient_id": emrPatientID,
		"branch_id":  branchID,
	})
	body, err := c.do(ctx, http.MethodPost, "/queue-entries", payload)
	if err != nil {
		return consultation.QueueEntry{}, err
	}
	var parsed struct {
		VisitID     string `json:"visit_id"`
		QueueNumber string `json:"queue_number"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return consultation.QueueEntry{}, fmt.Errorf("emr: decode queue entry: %w", err)
	}
	if parsed.VisitID == "" {
		return consultation.QueueEntry{}, &PermanentError{Err: fmt.Errorf("queue entry response missing visit id")}
	}
	return consultation.QueueEntry{VisitID: parsed.VisitID, QueueNumber: parsed.QueueNumber}, nil
}

// CancelQueueEntry withdraws a queued visit.
func (c *Client) CancelQueueEntry(ctx context.Context, visitID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/queue-entries/"+url.PathEscape(visitID), nil)
	return err
}

// PushPatientProfile writes locally-resolved demographics back to the EMR.
func (c *Client) PushPatientProfile(ctx context.Context, profile PatientProfile) error {
	payload, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("emr: marshal profile: %w", err)
	}
	_, err = c.do(ctx, http.MethodPut, "/patient-profile/"+url.PathEscape(profile.EMRPatientID), payload)
	return err
}

// do runs one request with bounded exponential backoff on transient failures.
func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var lastErr error
	delay := c.baseDelay
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		body, err := c.once(ctx, method, path, payload)
		if err == nil {
			return body, nil
		}
		lastErr = err
		var transient *TransientError
		if !errors.As(err, &transient) {
			return nil, err
		}
		if attempt < c.maxAttempts {
			c.logger.Warn("emr call retrying",
				"path", path, "attempt", attempt, "error", err)
			c.sleep(delay)
			delay *= 2
		}
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("emr: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, &TransientError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(body))}
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, &PermanentError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(body))}
	}
	return body, nil
}

func decodeItem(raw json.RawMessage) (Item, error) {
	var envelope struct {
		ID           string    `json:"id"`
		LastModified time.Time `json:"last_modified"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Item{}, fmt.Errorf("emr: decode item envelope: %w", err)
	}
	return Item{
		ID:           envelope.ID,
		LastModified: envelope.LastModified,
		Payload:      append(json.RawMessage(nil), raw...),
	}, nil
}
