package vaultsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPError carries the backend's status and error payload to the retry
// policy. Every non-2xx batch response is an executor failure; the queue's
// own backoff decides when to try again.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type HTTPExecutorOptions struct {
	BaseURL string
	Token   string
	VaultID string
	Client  *http.Client
}

type syncBatchRequest struct {
	VaultID    string            `json:"vaultId"`
	Operations []QueuedOperation `json:"operations"`
}

// NewHTTPExecutor returns a SyncExecutor that POSTs the whole batch to the
// vault backend's batch endpoint. The batch is applied all-or-nothing on the
// backend.
func NewHTTPExecutor(opts HTTPExecutorOptions) SyncExecutor {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	token := strings.TrimSpace(opts.Token)
	vaultID := strings.TrimSpace(opts.VaultID)

	return func(ctx context.Context, batch []QueuedOperation) error {
		payload, err := json.Marshal(syncBatchRequest{VaultID: vaultID, Operations: batch})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/vault/operations", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return nil
		}
		if readErr != nil {
			return &HTTPError{StatusCode: resp.StatusCode, Message: readErr.Error()}
		}
		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = strings.TrimSpace(string(body))
		}
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: message}
	}
}
