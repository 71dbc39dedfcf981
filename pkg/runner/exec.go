package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cuemby/stackman/pkg/types"
)

// CommandConfig configures a CommandExecutor
type CommandConfig struct {
	// AnsiblePlaybook is the ansible-playbook binary
	AnsiblePlaybook string
	// Python is the python interpreter
	Python string
	// ScriptDir is the directory script paths are relative to
	ScriptDir string
	// Timeout bounds a single script; zero means no limit
	Timeout time.Duration
}

// CommandExecutor runs ansible and python scripts as local processes
type CommandExecutor struct {
	cfg CommandConfig
}

// NewCommandExecutor creates an executor with defaulted binaries
func NewCommandExecutor(cfg CommandConfig) *CommandExecutor {
	if cfg.AnsiblePlaybook == "" {
		cfg.AnsiblePlaybook = "ansible-playbook"
	}
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	return &CommandExecutor{cfg: cfg}
}

func (e *CommandExecutor) command(ctx context.Context, spec *types.TaskSpec, script types.ScriptRun, workdir string) (*exec.Cmd, error) {
	path := script.Script
	if !filepath.IsAbs(path) && e.cfg.ScriptDir != "" {
		path = filepath.Join(e.cfg.ScriptDir, path)
	}
	configPath := filepath.Join(workdir, "config.json")

	switch script.ScriptType {
	case types.ScriptTypeAnsible:
		args := []string{"-i", filepath.Join(workdir, "inventory.json"), "-e", "@" + configPath}
		if len(script.Params) > 0 {
			params, err := json.Marshal(script.Params)
			if err != nil {
				return nil, fmt.Errorf("failed to encode script params: %w", err)
			}
			args = append(args, "-e", string(params))
		}
		if spec.Verbose {
			args = append(args, "-vvv")
		}
		return exec.CommandContext(ctx, e.cfg.AnsiblePlaybook, append(args, path)...), nil
	case types.ScriptTypePython:
		return exec.CommandContext(ctx, e.cfg.Python, path, configPath), nil
	}
	return nil, fmt.Errorf("unsupported script type %q", script.ScriptType)
}

// Execute runs the script and stores its output next to the task files
func (e *CommandExecutor) Execute(ctx context.Context, spec *types.TaskSpec, script types.ScriptRun, workdir string) (int, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	cmd, err := e.command(ctx, spec, script, workdir)
	if err != nil {
		return -1, err
	}
	cmd.Dir = workdir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	base := filepath.Join(workdir, script.Name)
	_ = os.WriteFile(base+"-stdout.txt", stdout.Bytes(), 0600)
	_ = os.WriteFile(base+"-stderr.txt", stderr.Bytes(), 0600)

	if runErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) && ctx.Err() == nil {
		return exitErr.ExitCode(), nil
	}
	msg := runErr.Error()
	if stderr.Len() > 0 {
		tail := stderr.String()
		if len(tail) > 200 {
			tail = "..." + tail[len(tail)-200:]
		}
		msg = fmt.Sprintf("%s, stderr: %s", msg, tail)
	}
	return -1, errors.New(msg)
}
