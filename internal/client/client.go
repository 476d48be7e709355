package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-idp/pipeline/internal/definition"
	"github.com/go-idp/pipeline/internal/model"
)

const (
	defaultReconnects = 5
	defaultBackoff    = 500 * time.Millisecond
	maxBackoff        = 5 * time.Second
	cancelTimeout     = 5 * time.Second
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for every request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBasicAuth sends HTTP basic auth credentials with every request.
func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithReconnect sets how many consecutive failed stream connections are
// tolerated and the initial delay between them.
func WithReconnect(attempts int, backoff time.Duration) Option {
	return func(c *Client) {
		c.reconnects = attempts
		c.backoff = backoff
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client is a pipeline server client. It is safe for concurrent use.
type Client struct {
	baseURL    string
	http       *http.Client
	username   string
	password   string
	reconnects int
	backoff    time.Duration
	logger     *slog.Logger
}

// New creates a client for the server at addr. An address without a scheme
// is assumed to be plain http.
func New(addr string, opts ...Option) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse server address: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server address %q has no host", addr)
	}

	c := &Client{
		baseURL:    strings.TrimRight(u.String(), "/"),
		http:       &http.Client{},
		reconnects: defaultReconnects,
		backoff:    defaultBackoff,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.backoff <= 0 {
		c.backoff = defaultBackoff
	}
	return c, nil
}

// runRequest is the JSON body of POST /v1/runs.
type runRequest struct {
	Definition json.RawMessage `json:"definition"`
	Params     map[string]any  `json:"params,omitempty"`
}

// Submit sends a definition to the server and returns the queued run.
// Submissions are not retried.
func (c *Client) Submit(ctx context.Context, def *definition.Definition, params map[string]any) (*model.Run, error) {
	doc, err := def.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode definition: %w", err)
	}
	body, err := json.Marshal(runRequest{Definition: doc, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	var run model.Run
	if err := c.do(ctx, http.MethodPost, "/v1/runs", body, http.StatusAccepted, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Get returns the current state of a run.
func (c *Client) Get(ctx context.Context, id string) (*model.Run, error) {
	var run model.Run
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(id), nil, http.StatusOK, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Cancel asks the server to cancel a run. It returns once the request is
// acknowledged.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(id)+"/cancel", nil, http.StatusAccepted, nil)
}

// RunRemote submits a definition and waits for the run's aggregate result.
func (c *Client) RunRemote(ctx context.Context, def *definition.Definition, params map[string]any) (*model.AggregateResult, error) {
	return c.RunRemoteStream(ctx, def, params, nil)
}

// RunRemoteStream submits a definition and calls fn for every event of the
// run until its result arrives. When ctx is cancelled the remote run is
// cancelled as well.
func (c *Client) RunRemoteStream(ctx context.Context, def *definition.Definition, params map[string]any, fn func(model.Event) error) (*model.AggregateResult, error) {
	run, err := c.Submit(ctx, def, params)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("run submitted", "run_id", run.ID)

	res, err := c.Stream(ctx, run.ID, 0, fn)
	if err != nil && ctx.Err() != nil {
		cctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()
		if cerr := c.Cancel(cctx, run.ID); cerr != nil {
			c.logger.Warn("cancel remote run", "run_id", run.ID, "error", cerr)
		}
	}
	return res, err
}

// Stream follows the event stream of a run, calling fn (which may be nil)
// for every event with a sequence number greater than after, and returns the
// run's aggregate result. Dropped connections are resumed from the last
// delivered event, so fn never sees a sequence number twice.
func (c *Client) Stream(ctx context.Context, id string, after int64, fn func(model.Event) error) (*model.AggregateResult, error) {
	last := after
	failures := 0
	for {
		res, progressed, err := c.streamOnce(ctx, id, &last, fn)
		if res != nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var apiErr *APIError
		var cbErr *callbackError
		switch {
		case errors.As(err, &cbErr):
			return nil, cbErr.err
		case errors.As(err, &apiErr) && apiErr.StatusCode < 500:
			return nil, err
		}

		if err == nil {
			// The stream ended without a result: the run may no longer be
			// tracked by the server.
			run, gerr := c.Get(ctx, id)
			switch {
			case gerr == nil && run.Status == model.RunInterrupted:
				return nil, &TransportError{Op: "follow run " + id, Err: ErrInterrupted}
			case gerr == nil && run.Status.Terminal() && run.Result != nil:
				return run.Result, nil
			case gerr == nil && run.Status.Terminal():
				return resultFromRun(run), nil
			case gerr != nil:
				err = gerr
			default:
				err = errors.New("stream ended before the run finished")
			}
		}

		if progressed {
			failures = 0
		}
		failures++
		if failures > c.reconnects {
			return nil, &TransportError{Op: "follow run " + id, Err: err}
		}

		delay := c.backoff << (failures - 1)
		if delay > maxBackoff || delay <= 0 {
			delay = maxBackoff
		}
		c.logger.Warn("event stream interrupted, reconnecting",
			"run_id", id, "after", last, "attempt", failures, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// resultFromRun reports a finished run whose aggregate result was not
// stored.
func resultFromRun(run *model.Run) *model.AggregateResult {
	res := &model.AggregateResult{
		RunID:    run.ID,
		Pipeline: run.Name,
		Status:   run.Status,
		Error:    run.Error,
		Steps:    []model.StepResult{},
	}
	if run.StartedAt != nil {
		res.StartedAt = *run.StartedAt
	}
	if run.FinishedAt != nil {
		res.FinishedAt = *run.FinishedAt
	}
	return res
}

// callbackError carries an error returned by the caller's event function.
type callbackError struct{ err error }

func (e *callbackError) Error() string { return e.err.Error() }

// streamOnce opens one SSE connection. It returns the result when the run
// result event was read, and reports whether any new event was delivered.
func (c *Client) streamOnce(ctx context.Context, id string, last *int64, fn func(model.Event) error) (*model.AggregateResult, bool, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(id)+"/events", nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if *last > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(*last, 10))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, &TransportError{Op: "connect event stream", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, decodeAPIError(resp)
	}

	progressed := false
	var result *model.AggregateResult
	err = readFrames(resp.Body, func(f frame) error {
		if f.event == "done" || f.data == "" {
			return nil
		}
		var ev model.Event
		if err := json.Unmarshal([]byte(f.data), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if ev.Seq <= *last {
			return nil
		}
		if fn != nil {
			if err := fn(ev); err != nil {
				return &callbackError{err: err}
			}
		}
		*last = ev.Seq
		progressed = true
		if ev.Type == model.EventRunResult && ev.Result != nil {
			result = ev.Result
			return errStop
		}
		return nil
	})
	if result != nil {
		return result, progressed, nil
	}
	if err != nil {
		var cbErr *callbackError
		if errors.As(err, &cbErr) {
			return nil, progressed, err
		}
		return nil, progressed, &TransportError{Op: "read event stream", Err: err}
	}
	return nil, progressed, nil
}

// frame is one server-sent event.
type frame struct {
	id    string
	event string
	data  string
}

var errStop = errors.New("stop reading")

// readFrames parses a text/event-stream body and calls fn per frame. A clean
// end of the body returns nil.
func readFrames(r io.Reader, fn func(frame) error) error {
	br := bufio.NewReader(r)
	var cur frame
	var data []string
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && line == "" {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(data) > 0 || cur.event != "" {
				cur.data = strings.Join(data, "\n")
				if err := fn(cur); err != nil {
					if errors.Is(err, errStop) {
						return nil
					}
					return err
				}
			}
			cur, data = frame{}, nil
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			cur.id = value
		case "event":
			cur.event = value
		case "data":
			data = append(data, value)
		}
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}

// do sends a request and decodes a JSON response into out when the server
// answers with the expected status.
func (c *Client) do(ctx context.Context, method, path string, body []byte, expect int, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != expect {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: "decode response", Err: err}
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Kind = body.Kind
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}
