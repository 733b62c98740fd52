// Package provider runs the external agent CLI. One CLI value serves both
// as the workflow step executor and as the message selector.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/mpataki/courier/internal/config"
	"github.com/mpataki/courier/internal/orchestrator"
	"github.com/mpataki/courier/internal/selector"
)

// waitDelay bounds how long Wait blocks on output pipes after the process
// is killed.
const waitDelay = 5 * time.Second

type CLI struct {
	command      string
	args         []string
	outputFormat string
	logger       *slog.Logger
}

func NewCLI(s config.AgentSettings, logger *slog.Logger) (*CLI, error) {
	if s.Command == "" {
		return nil, fmt.Errorf("provider: agent command is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLI{
		command:      s.Command,
		args:         append([]string(nil), s.Args...),
		outputFormat: s.OutputFormat,
		logger:       logger,
	}, nil
}

// Execute runs one step attempt in the request's working directory.
func (c *CLI) Execute(ctx context.Context, req orchestrator.StepRequest) (orchestrator.StepResult, error) {
	out, err := c.run(ctx, req.WorkDir, req.Agent, req.Prompt)
	return orchestrator.StepResult{Output: out}, err
}

// Select asks the agent to route a message.
func (c *CLI) Select(ctx context.Context, req selector.Request) (string, error) {
	return c.run(ctx, "", "", selector.RenderPrompt(req))
}

func (c *CLI) run(ctx context.Context, dir, agent, prompt string) (string, error) {
	args := append([]string(nil), c.args...)
	if agent != "" {
		args = append(args, "--agent", agent)
	}
	args = append(args, "-p", prompt)

	cmd := exec.CommandContext(ctx, c.command, args...)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	c.logger.Debug("agent finished",
		"command", c.command,
		"agent", agent,
		"dir", dir,
		"duration", time.Since(started),
		"stdout_bytes", stdout.Len())

	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdout.String(), ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), fmt.Errorf("agent exited with code %d: %s", exitErr.ExitCode(), tail(stderr.String(), 500))
		}
		return "", fmt.Errorf("failed to run agent: %w", err)
	}

	return c.unwrap(stdout.String())
}

// unwrap extracts the result text from the CLI's JSON output format. Any
// other output is returned as is.
func (c *CLI) unwrap(out string) (string, error) {
	if c.outputFormat != "json" {
		return out, nil
	}
	var result struct {
		Result    *string `json:"result"`
		SessionID string  `json:"session_id"`
		IsError   bool    `json:"is_error"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &result); err != nil || result.Result == nil {
		return out, nil
	}
	if result.SessionID != "" {
		c.logger.Debug("agent session", "session_id", result.SessionID)
	}
	if result.IsError {
		return *result.Result, fmt.Errorf("agent reported an error: %s", tail(*result.Result, 500))
	}
	return *result.Result, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
