package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-idp/pipeline/internal/engine"
	"github.com/go-idp/pipeline/internal/executor"
	"github.com/go-idp/pipeline/internal/plan"
	"github.com/go-idp/pipeline/internal/step"
	"github.com/go-idp/pipeline/internal/store"
)

// sleepKind waits for "ms" milliseconds and then returns "output", or fails
// when "fail" is set.
func sleepKind() step.Kind {
	return step.Kind{
		Name:        "sleep",
		Description: "test step that sleeps",
		Factory: func(spec step.Spec) (step.Step, error) {
			var cfg struct {
				MS     int  `json:"ms"`
				Fail   bool `json:"fail"`
				Output any  `json:"output"`
			}
			if err := spec.Config.Decode(&cfg); err != nil {
				return nil, err
			}
			return step.Func(func(ctx context.Context, _ step.Inputs) (any, error) {
				select {
				case <-time.After(time.Duration(cfg.MS) * time.Millisecond):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				if cfg.Fail {
					return nil, errors.New("boom")
				}
				return cfg.Output, nil
			}), nil
		},
	}
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	reg := step.NewDefaultRegistry()
	reg.Register(sleepKind())
	builder := plan.NewBuilder(reg, plan.Defaults{StepTimeout: 10 * time.Second})
	x := executor.New(executor.WithGracePeriod(200*time.Millisecond), executor.WithLogger(logger))
	eng := engine.New(s, builder, x, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Shutdown(ctx)
	})

	return NewServer(":0", eng, logger, opts...)
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/test", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /test: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestBasicAuth(t *testing.T) {
	srv := newTestServer(t, WithBasicAuth("admin", "secret"))
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name       string
		path       string
		user, pass string
		want       int
	}{
		{"no credentials", "/v1/kinds", "", "", http.StatusUnauthorized},
		{"wrong password", "/v1/kinds", "admin", "nope", http.StatusUnauthorized},
		{"valid credentials", "/v1/kinds", "admin", "secret", http.StatusOK},
		{"healthz is public", "/healthz", "", "", http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.URL+tc.path, nil)
			if tc.user != "" {
				req.SetBasicAuth(tc.user, tc.pass)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("GET %s: %v", tc.path, err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	srv := newTestServer(t, WithShutdownTimeout(time.Second))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
