package response

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CommandExecutor runs an enforcement command built by an Action.
type CommandExecutor interface {
	Execute(ctx context.Context, command string) error
}

// shellUnsafe matches characters that could be used for shell injection,
// and whitespace, which would split a value into extra arguments.
var shellUnsafe = regexp.MustCompile(`[;&|$` + "`" + `\\'"(){}<>!#~\s]`)

// sanitizeArg strips shell metacharacters from a value before it is
// substituted into a command template.
func sanitizeArg(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = shellUnsafe.ReplaceAllString(s, "_")
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}

// ShellExecutor runs commands as an explicit argument array. The command is
// split on whitespace and never passed through a shell.
type ShellExecutor struct {
	timeout time.Duration
	logger  zerolog.Logger
}

func NewShellExecutor(timeout time.Duration, logger zerolog.Logger) *ShellExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShellExecutor{
		timeout: timeout,
		logger:  logger.With().Str("component", "shell_executor").Logger(),
	}
}

func (e *ShellExecutor) Execute(ctx context.Context, command string) error {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return errors.New("command is empty")
	}

	cmdCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	output, err := exec.CommandContext(cmdCtx, parts[0], parts[1:]...).CombinedOutput()
	out := strings.TrimSpace(string(output))
	if len(out) > 500 {
		out = out[:500] + "..."
	}
	e.logger.Debug().
		Str("command", command).
		Dur("elapsed", time.Since(start)).
		Str("output", out).
		Msg("command executed")
	if err != nil {
		return fmt.Errorf("command %q failed: %w (output: %s)", parts[0], err, out)
	}
	return nil
}

// DryRunExecutor logs commands without running them.
type DryRunExecutor struct {
	mu       sync.Mutex
	commands []string
	logger   zerolog.Logger
}

func NewDryRunExecutor(logger zerolog.Logger) *DryRunExecutor {
	return &DryRunExecutor{logger: logger.With().Str("component", "dry_run_executor").Logger()}
}

func (e *DryRunExecutor) Execute(_ context.Context, command string) error {
	e.mu.Lock()
	e.commands = append(e.commands, command)
	e.mu.Unlock()
	e.logger.Info().Str("command", command).Msg("dry run: command not executed")
	return nil
}

// Commands returns every command seen so far.
func (e *DryRunExecutor) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.commands...)
}
