package e2e

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
	addr   string
	dbPath string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "pipeline-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "pipeline")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/pipeline")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

// startServer runs "pipeline server" on addr with the given database and
// waits until /healthz answers.
func startServer(t *testing.T, binary, addr, dbPath string) *serverProc {
	t.Helper()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary, "server", "--addr", addr, "--db", dbPath)
	cmd.Env = append(os.Environ(), "PIPELINE_LOG_LEVEL=info")
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{cmd: cmd, stdout: stdout, url: "http://" + addr, addr: addr, dbPath: dbPath}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

func writeDef(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write definition: %v", err)
	}
	return path
}

// runCLI runs the binary to completion and returns its exit code and output.
func runCLI(t *testing.T, binary string, args ...string) (int, string) {
	t.Helper()
	cmd := exec.Command(binary, args...)
	out, err := cmd.CombinedOutput()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, string(out)
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), string(out)
	default:
		t.Fatalf("run %v: %v", args, err)
		return -1, ""
	}
}

type runBody struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

func getRun(t *testing.T, baseURL, id string) runBody {
	t.Helper()
	resp, err := http.Get(baseURL + "/v1/runs/" + id)
	if err != nil {
		t.Fatalf("GET run: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET run status = %d: %s", resp.StatusCode, body)
	}
	var run runBody
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	return run
}

const diamond = `
name: diamond
steps:
  - name: source
    kind: command
    with:
      command: "echo 5"
  - name: left
    kind: lua
    depends_on: [source]
    with:
      script: "return 1"
  - name: right
    kind: lua
    depends_on: [source]
    with:
      script: "return 2"
  - name: join
    kind: lua
    with:
      script: "return a + b"
    inputs:
      a:
        from: steps.left.output
      b:
        from: steps.right.output
`

func TestServerStartsAndServesMetrics(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary, freeAddr(t), filepath.Join(t.TempDir(), "test.db"))

	resp, err := http.Get(sp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "pipeline_http_requests_total") {
		t.Errorf("metrics output missing pipeline_http_requests_total")
	}
}

func TestLocalRunExitCodes(t *testing.T) {
	binary := getBinary(t)

	code, out := runCLI(t, binary, "run", writeDef(t, diamond))
	if code != 0 {
		t.Fatalf("exit code = %d, want 0\n%s", code, out)
	}
	if !strings.Contains(out, "pipeline diamond succeeded") {
		t.Errorf("output missing summary:\n%s", out)
	}

	failing := `
name: failing
steps:
  - name: bad
    kind: command
    with:
      command: "exit 7"
`
	code, out = runCLI(t, binary, "run", writeDef(t, failing))
	if code != 1 {
		t.Errorf("exit code = %d, want 1\n%s", code, out)
	}

	invalid := `
name: invalid
steps:
  - name: a
    kind: nope
`
	code, out = runCLI(t, binary, "run", writeDef(t, invalid))
	if code != 2 {
		t.Errorf("exit code = %d, want 2\n%s", code, out)
	}
}

func TestClientAgainstServer(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary, freeAddr(t), filepath.Join(t.TempDir(), "test.db"))

	code, out := runCLI(t, binary, "client", sp.url, writeDef(t, diamond), "--json")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0\n%s", code, out)
	}

	start := strings.Index(out, "{")
	if start < 0 {
		t.Fatalf("no JSON in output:\n%s", out)
	}
	var res struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(strings.NewReader(out[start:])).Decode(&res); err != nil {
		t.Fatalf("decode result: %v\n%s", err, out)
	}
	if res.Status != "succeeded" {
		t.Errorf("status = %q, want succeeded", res.Status)
	}
	if got := getRun(t, sp.url, res.RunID); got.Status != "succeeded" {
		t.Errorf("stored status = %q, want succeeded", got.Status)
	}
}

func TestRestartMarksRunsInterrupted(t *testing.T) {
	binary := getBinary(t)
	addr := freeAddr(t)
	dbPath := filepath.Join(t.TempDir(), "test.db")
	sp := startServer(t, binary, addr, dbPath)

	slow := `{"definition": "name: slow\nsteps:\n  - name: wait\n    kind: command\n    with:\n      command: \"sleep 30\"\n"}`
	resp, err := http.Post(sp.url+"/v1/runs", "application/json", strings.NewReader(slow))
	if err != nil {
		t.Fatalf("POST run: %v", err)
	}
	var created runBody
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST status = %d, want 202", resp.StatusCode)
	}

	deadline := time.Now().Add(startupTimeout)
	for getRun(t, sp.url, created.ID).Status != "running" {
		if time.Now().After(deadline) {
			t.Fatal("run never started")
		}
		time.Sleep(pollInterval)
	}

	sp.cmd.Process.Kill()
	sp.cmd.Wait()

	restarted := startServer(t, binary, addr, dbPath)
	got := getRun(t, restarted.url, created.ID)
	if got.Status != "interrupted" {
		t.Errorf("status = %q, want interrupted", got.Status)
	}
	if got.Error == "" {
		t.Error("interrupted run has no error")
	}
}

func TestServerGracefulShutdown(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary, freeAddr(t), filepath.Join(t.TempDir(), "test.db"))

	if err := sp.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sp.cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("server exited with %v\n%s", err, sp.stdout.String())
		}
	case <-time.After(startupTimeout):
		t.Fatalf("server did not exit after SIGTERM\n%s", sp.stdout.String())
	}
}
