package ari

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pbx-controlplane/internal/metrics"
	"pbx-controlplane/internal/telephony"
)

const maxResponseBody = 4 << 20

// APIError is a non-2xx ARI answer other than 401/403/404.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ari: %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
}

// do runs a REST command against a connected session. A transport failure
// tears the event channel down so the session enters reconnect, and losing
// the event channel rejects commands still in flight.
func (s *Session) do(ctx context.Context, action, method, path string, query url.Values, out any) error {
	start := s.clock.Now()

	s.mu.Lock()
	if s.ws == nil {
		s.mu.Unlock()
		s.observe(action, "not_connected", start)
		return fmt.Errorf("ari: %s: %w", action, telephony.ErrConnection)
	}
	gen := s.gen
	connCtx := s.connCtx
	s.mu.Unlock()

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unlink := context.AfterFunc(connCtx, cancel)
	defer unlink()

	err := s.request(rctx, method, path, query, out)
	if err != nil && connCtx.Err() != nil && ctx.Err() == nil {
		err = fmt.Errorf("ari: %s: event channel lost: %w", action, telephony.ErrConnection)
	}
	if errors.Is(err, telephony.ErrConnection) {
		s.fail(gen, err)
	}
	s.observe(action, outcome(err), start)
	return err
}

func (s *Session) request(ctx context.Context, method, path string, query url.Values, out any) error {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.ActionTimeout)
	defer cancel()

	u := s.cfg.BaseURL() + "/ari" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(rctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("ari: build request: %w", err)
	}
	req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(rctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("ari: %s %s: %w", method, path, telephony.ErrActionTimeout)
		}
		return fmt.Errorf("ari: %s %s: %w: %w", method, path, telephony.ErrConnection, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("ari: %s %s: read body: %w: %w", method, path, telephony.ErrConnection, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("ari: %s %s: %s: %w", method, path, errorMessage(body), telephony.ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("ari: %s %s: status %d: %w", method, path, resp.StatusCode, telephony.ErrAuthentication)
	case resp.StatusCode >= 300:
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Message: errorMessage(body)}
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("ari: %s %s: decode: %w: %v", method, path, telephony.ErrProtocolParse, err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(body))
}

func (s *Session) observe(action, result string, start time.Time) {
	src := string(telephony.SourceARI)
	metrics.ActionResults.WithLabelValues(src, action, result).Inc()
	metrics.ActionDuration.WithLabelValues(src, action).Observe(s.clock.Now().Sub(start).Seconds())
}

func outcome(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, telephony.ErrNotFound):
		return "not_found"
	case errors.Is(err, telephony.ErrActionTimeout):
		return "timeout"
	case errors.Is(err, telephony.ErrConnection):
		return "connection"
	case errors.As(err, &apiErr):
		return "error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
