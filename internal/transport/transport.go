// Package transport executes single commands on the controller's CLI shell
// over an OpenSSH client invocation.
package transport

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"codeberg.org/mutker/bmcfanctl/internal/cmdlog"
	"codeberg.org/mutker/bmcfanctl/internal/errors"
	"codeberg.org/mutker/bmcfanctl/internal/logger"
)

const (
	// diagLimit bounds the combined output embedded in returned errors.
	diagLimit = 400

	spawnExitCode = -1
)

// Executor runs one controller command and returns its raw output.
type Executor interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (string, error)
}

// Options describe how the remote shell session is established. Older
// controller firmware only negotiates legacy key exchange and host key
// algorithms, and some command forms are rejected without a PTY; both are
// config-selected hardening layers rather than defaults.
type Options struct {
	Host           string
	Port           int
	User           string
	IdentityFile   string
	LegacyCrypto   bool
	ForcePTY       bool
	ControlPersist int // seconds; 0 disables connection reuse
	ServerAlive    int // seconds; 0 disables keep-alive probes
	SSHPath        string
}

// SSHExecutor spawns the system ssh client per command. The controller
// shell is not scriptable enough for a long-lived session; ControlPersist
// gives connection reuse without one.
type SSHExecutor struct {
	opts Options
	ring *cmdlog.Ring
}

func NewSSHExecutor(opts Options, ring *cmdlog.Ring) *SSHExecutor {
	if opts.SSHPath == "" {
		opts.SSHPath = "ssh"
	}
	if opts.Port == 0 {
		opts.Port = 22
	}

	return &SSHExecutor{
		opts: opts,
		ring: ring,
	}
}

// BuildArgs assembles the ssh argv for one command, layering the hardening
// options selected by configuration.
func BuildArgs(opts Options, command string) []string {
	args := []string{
		"-p", fmt.Sprintf("%d", opts.Port),
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
	}

	if opts.LegacyCrypto {
		args = append(args,
			"-o", "KexAlgorithms=+diffie-hellman-group14-sha1,diffie-hellman-group1-sha1",
			"-o", "HostKeyAlgorithms=+ssh-rsa",
			"-o", "PubkeyAcceptedKeyTypes=+ssh-rsa",
		)
	}

	if opts.ForcePTY {
		args = append(args, "-tt")
	}

	if opts.ControlPersist > 0 {
		args = append(args,
			"-o", "ControlMaster=auto",
			"-o", "ControlPath=/tmp/bmcfanctl-%r@%h:%p",
			"-o", fmt.Sprintf("ControlPersist=%d", opts.ControlPersist),
		)
	}

	if opts.ServerAlive > 0 {
		args = append(args,
			"-o", fmt.Sprintf("ServerAliveInterval=%d", opts.ServerAlive),
			"-o", "ServerAliveCountMax=3",
		)
	}

	if opts.IdentityFile != "" {
		args = append(args, "-i", opts.IdentityFile)
	}

	destination := opts.Host
	if opts.User != "" {
		destination = opts.User + "@" + opts.Host
	}
	args = append(args, destination, command)

	return args
}

// Execute runs one command on the controller shell. Spawn failures,
// timeouts, and non-zero exits all surface as transport_command_failed
// with the combined output embedded; callers log the text, they do not
// branch on the failure shape. Every invocation is recorded in the
// diagnostic ring.
func (e *SSHExecutor) Execute(ctx context.Context, command string, timeout time.Duration) (string, error) {
	errFactory := errors.New()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := BuildArgs(e.opts, command)
	cmd := exec.CommandContext(runCtx, e.opts.SSHPath, args...)

	start := time.Now()
	raw, err := cmd.CombinedOutput()
	duration := time.Since(start)
	output := string(raw)

	exitCode := 0
	if err != nil {
		exitCode = spawnExitCode
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	if e.ring != nil {
		e.ring.Append(command, exitCode, duration, output)
	}

	if err != nil {
		diag := cmdlog.Truncate(strings.TrimSpace(output), diagLimit)
		if runCtx.Err() == context.DeadlineExceeded {
			diag = fmt.Sprintf("timeout after %s: %s", timeout, diag)
		}
		logger.Debug().
			Str("command", command).
			Int("exit_code", exitCode).
			Dur("duration", duration).
			Msg("controller command failed")

		return output, errFactory.WithData(ErrCommandFailed, fmt.Sprintf("%v: %s", err, diag))
	}

	logger.Debug().
		Str("command", command).
		Dur("duration", duration).
		Msg("controller command completed")

	return output, nil
}
