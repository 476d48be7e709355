package step

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	defaultShell       = "sh"
	defaultGracePeriod = 5 * time.Second
	maxCapturedOutput  = 1 << 20
	maxLineLength      = 64 << 10
)

type commandConfig struct {
	Command    string            `json:"command"`
	Shell      string            `json:"shell"`
	Workdir    string            `json:"workdir"`
	Env        map[string]string `json:"env"`
	Idempotent *bool             `json:"idempotent"`
}

type commandStep struct {
	cfg commandConfig
}

// CommandKind runs a shell command on the host.
func CommandKind() Kind {
	return Kind{
		Name:        "command",
		Description: "Run a shell command; inputs are exported as INPUT_<NAME> variables",
		Factory:     newCommandStep,
	}
}

func newCommandStep(spec Spec) (Step, error) {
	var cfg commandConfig
	if err := spec.Config.Decode(&cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("command is required")
	}
	if cfg.Shell == "" {
		cfg.Shell = defaultShell
	}
	return &commandStep{cfg: cfg}, nil
}

func (s *commandStep) Idempotent() bool {
	return s.cfg.Idempotent == nil || *s.cfg.Idempotent
}

func (s *commandStep) Run(ctx context.Context, in Inputs) (any, error) {
	info := RunInfoFrom(ctx)

	cmd := exec.CommandContext(ctx, s.cfg.Shell, "-c", s.cfg.Command)
	cmd.Dir = s.workdir(info)
	cmd.Env = s.environ(info, in)

	stdout := newLineWriter(info.Log)
	stderr := newLineWriter(info.Log)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// Ask the process to stop first; exec kills it once WaitDelay expires.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = info.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultGracePeriod
	}

	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	out := map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, fmt.Errorf("command exited with code %d", exitCode)
		}
		return out, fmt.Errorf("run command: %w", err)
	}
	return out, nil
}

func (s *commandStep) workdir(info RunInfo) string {
	dir := s.cfg.Workdir
	if dir == "" {
		return info.Workdir
	}
	if !filepath.IsAbs(dir) && info.Workdir != "" {
		return filepath.Join(info.Workdir, dir)
	}
	return dir
}

func (s *commandStep) environ(info RunInfo, in Inputs) []string {
	env := os.Environ()
	for _, k := range sortedKeys(info.Environment) {
		env = append(env, k+"="+info.Environment[k])
	}
	for _, k := range sortedKeys(s.cfg.Env) {
		env = append(env, k+"="+s.cfg.Env[k])
	}
	env = append(env,
		"PIPELINE_RUN_ID="+info.RunID,
		"PIPELINE_NAME="+info.Pipeline,
		"PIPELINE_STEP_NAME="+info.Step,
		fmt.Sprintf("PIPELINE_STEP_ATTEMPT=%d", info.Attempt),
	)

	names := make([]string, 0, len(in))
	for name := range in {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env = append(env, "INPUT_"+strings.ToUpper(name)+"="+Text(in[name]))
	}
	return env
}

// Text renders an input or output value as plain text: strings verbatim,
// nil as empty, everything else as JSON.
func Text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// lineWriter captures process output and forwards complete lines to emit.
type lineWriter struct {
	mu        sync.Mutex
	captured  bytes.Buffer
	truncated bool
	partial   []byte
	emit      func(string)
}

func newLineWriter(emit func(string)) *lineWriter {
	return &lineWriter{emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if room := maxCapturedOutput - w.captured.Len(); room > 0 {
		if len(p) > room {
			w.captured.Write(p[:room])
			w.truncated = true
		} else {
			w.captured.Write(p)
		}
	} else if len(p) > 0 {
		w.truncated = true
	}

	w.partial = append(w.partial, p...)
	for {
		idx := bytes.IndexByte(w.partial, '\n')
		if idx < 0 {
			break
		}
		w.emit(strings.TrimSuffix(string(w.partial[:idx]), "\r"))
		w.partial = w.partial[idx+1:]
	}
	// Output without newlines is emitted in maxLineLength chunks.
	for len(w.partial) >= maxLineLength {
		w.emit(string(w.partial[:maxLineLength]))
		w.partial = w.partial[maxLineLength:]
	}
	if len(w.partial) == 0 {
		w.partial = nil
	}
	return len(p), nil
}

// Flush emits any trailing line without a newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(strings.TrimSuffix(string(w.partial), "\r"))
		w.partial = nil
	}
}

// String returns the captured output without trailing newlines.
func (w *lineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := strings.TrimRight(w.captured.String(), "\r\n")
	if w.truncated {
		s += "\n[output truncated]"
	}
	return s
}
