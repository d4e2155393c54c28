// Package credential produces bearer tokens for upstream requests and caches
// them with single-flight refresh.
package credential

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/authproxy/authproxy/internal/model"
)

// Provider produces a raw credential. The result may carry surrounding
// whitespace; callers trim it.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// maxStderrInError bounds how much of the command's stderr ends up in error messages.
const maxStderrInError = 512

// waitDelay bounds how long Wait blocks on output pipes held open by
// grandchildren after the command itself has exited or been killed.
const waitDelay = 2 * time.Second

// ExitError describes a credential command that ran and exited unsuccessfully.
type ExitError struct {
	ExitCode int
	Stdout   []byte // not rendered by Error; may hold a partial secret
	Stderr   string
}

func (e *ExitError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if len(stderr) > maxStderrInError {
		stderr = stderr[:maxStderrInError] + "..."
	}
	if stderr == "" {
		return fmt.Sprintf("exit status %d", e.ExitCode)
	}
	return fmt.Sprintf("exit status %d (stderr: %s)", e.ExitCode, stderr)
}

// CommandProvider obtains tokens by running an external command and reading
// its standard output.
type CommandProvider struct {
	argv    []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewCommandProvider creates a CommandProvider for argv (executable followed
// by arguments). A zero timeout leaves the command unbounded.
func NewCommandProvider(argv []string, timeout time.Duration, logger *slog.Logger) (*CommandProvider, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, model.NewError(model.KindConfiguration, nil, "credential command is empty")
	}
	return &CommandProvider{
		argv:    append([]string(nil), argv...),
		timeout: timeout,
		logger:  logger.With("component", "credential_command"),
	}, nil
}

// Token runs the command once and returns its standard output.
func (p *CommandProvider) Token(ctx context.Context) (string, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.argv[0], p.argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	p.logger.Debug("running credential command", "executable", p.argv[0])
	start := time.Now()

	if err := cmd.Start(); err != nil {
		return "", model.NewError(model.KindSubprocessSpawnFailed, err, "start %s", p.argv[0])
	}

	err := cmd.Wait()
	duration := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return "", model.NewError(model.KindSubprocessTimeout, ctxErr, "%s did not finish within %s", p.argv[0], p.timeout)
		}
		return "", model.NewError(model.KindSubprocessFailed, ctxErr, "%s", p.argv[0])
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", model.NewError(model.KindSubprocessFailed, &ExitError{
				ExitCode: exitErr.ExitCode(),
				Stdout:   stdout.Bytes(),
				Stderr:   stderr.String(),
			}, "%s", p.argv[0])
		}
		return "", model.NewError(model.KindSubprocessFailed, err, "%s", p.argv[0])
	}

	p.logger.Debug("credential command finished",
		"executable", p.argv[0],
		"duration_ms", duration.Milliseconds(),
		"bytes", stdout.Len(),
	)

	if !utf8.Valid(stdout.Bytes()) {
		return "", model.NewError(model.KindInvalidCredentialOutput, nil, "%s wrote non-UTF-8 output", p.argv[0])
	}
	return stdout.String(), nil
}

// StaticProvider returns the same token on every call.
type StaticProvider struct {
	token string
}

// NewStaticProvider creates a StaticProvider.
func NewStaticProvider(token string) *StaticProvider {
	return &StaticProvider{token: token}
}

// Token returns the configured token.
func (p *StaticProvider) Token(context.Context) (string, error) {
	return p.token, nil
}

// maskToken masks a token for logging, showing only a short prefix.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..."
}
