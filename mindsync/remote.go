// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mindsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bMacroni/MindClear-sub002/mindapi"
)

// Remote is the authoritative record API.
type Remote interface {
	Create(ctx context.Context, kind Kind, rec mindapi.Record) (*mindapi.Record, error)
	Update(ctx context.Context, kind Kind, id string, rec mindapi.Record) (*mindapi.Record, error)
	// Delete treats an already missing record as deleted.
	Delete(ctx context.Context, kind Kind, id string, rec mindapi.Record) error
	// Changes returns the full collection when since is nil, otherwise a delta.
	Changes(ctx context.Context, kind Kind, since *time.Time) (*mindapi.ChangeSet, error)
}

// TokenFunc returns the bearer token for the current session.
type TokenFunc func(ctx context.Context) (string, error)

// HTTPRemote talks to the REST record API.
type HTTPRemote struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewHTTPRemote returns a remote for baseURL.
func NewHTTPRemote(baseURL string, tok TokenFunc, logger *slog.Logger) *HTTPRemote {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRemote{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   tok,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// Create implements Remote.
func (r *HTTPRemote) Create(ctx context.Context, kind Kind, rec mindapi.Record) (*mindapi.Record, error) {
	var out mindapi.Record
	if err := r.do(ctx, http.MethodPost, "/"+string(kind), rec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update implements Remote.
func (r *HTTPRemote) Update(ctx context.Context, kind Kind, id string, rec mindapi.Record) (*mindapi.Record, error) {
	var out mindapi.Record
	if err := r.do(ctx, http.MethodPut, "/"+string(kind)+"/"+url.PathEscape(id), rec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete implements Remote.
func (r *HTTPRemote) Delete(ctx context.Context, kind Kind, id string, rec mindapi.Record) error {
	err := r.do(ctx, http.MethodDelete, "/"+string(kind)+"/"+url.PathEscape(id), rec, nil)
	var remote *RemoteError
	if errors.As(err, &remote) && remote.Status == http.StatusNotFound {
		r.logger.Debug("Remote record already gone", "kind", kind, "id", id)
		return nil
	}
	return err
}

// Changes implements Remote.
func (r *HTTPRemote) Changes(ctx context.Context, kind Kind, since *time.Time) (*mindapi.ChangeSet, error) {
	path := "/" + string(kind)
	if since != nil {
		path += "?since=" + url.QueryEscape(mindapi.FormatTime(*since))
	}
	var raw json.RawMessage
	if err := r.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	changes, err := mindapi.DecodeChangeSet(raw)
	if err != nil {
		return nil, &RemoteError{Kind: KindValidation, Status: http.StatusOK, Err: err}
	}
	return changes, nil
}

// do sends one request and maps the response onto the error taxonomy.
func (r *HTTPRemote) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, r.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	if r.Token == nil {
		return &AuthError{Err: errors.New("no token source configured")}
	}
	token, err := r.Token(ctx)
	if err != nil {
		return &AuthError{Err: fmt.Errorf("failed to get JWT token: %w", err)}
	}
	if token == "" {
		return &AuthError{Err: errors.New("empty token")}
	}

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.HTTP.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &RemoteError{Kind: KindTransient, Err: fmt.Errorf("failed to send HTTP request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RemoteError{Kind: KindTransient, Status: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return &RemoteError{Kind: KindValidation, Status: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
		}
		return nil
	}

	switch kind := classifyStatus(resp.StatusCode); kind {
	case KindAuthentication:
		return &AuthError{Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(respBody)))}
	case KindConflict:
		var conflict mindapi.ConflictResponse
		if err := json.Unmarshal(respBody, &conflict); err != nil {
			return &RemoteError{Kind: KindValidation, Status: resp.StatusCode, Err: fmt.Errorf("failed to decode conflict response: %w", err)}
		}
		return &ConflictError{ServerRecord: conflict.ServerRecord}
	default:
		return &RemoteError{Kind: kind, Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
}
