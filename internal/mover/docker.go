package mover

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

var digestRegexp = regexp.MustCompile(`sha256:[a-f0-9]{64}`)

// commandRunner runs name with args, feeding stdin, and returns combined output.
type commandRunner func(ctx context.Context, stdin string, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, stdin string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Docker drives a local docker (or compatible) CLI.
type Docker struct {
	binary string
	run    commandRunner
	logger *slog.Logger
}

// NewDocker checks that binary is on PATH and returns a Docker mover.
func NewDocker(binary string, logger *slog.Logger) (*Docker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if binary == "" {
		binary = "docker"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("docker binary %q not found in PATH: %w", binary, err)
	}
	return &Docker{binary: binary, run: execRunner, logger: logger}, nil
}

func (d *Docker) exec(ctx context.Context, op, ref, stdin string, args ...string) ([]byte, error) {
	d.logger.Debug("running docker", "op", op, "ref", ref, "args", redactArgs(args))
	out, err := d.run(ctx, stdin, d.binary, args...)
	if err != nil {
		return out, &Error{Op: op, Ref: ref, Err: fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))}
	}
	return out, nil
}

// Pull fetches ref for the given platform.
func (d *Docker) Pull(ctx context.Context, ref, platform string) error {
	args := []string{"pull"}
	if platform != "" {
		args = append(args, "--platform="+platform)
	}
	_, err := d.exec(ctx, OpPull, ref, "", append(args, ref)...)
	return err
}

// Login authenticates against registry. The password is passed on stdin.
func (d *Docker) Login(ctx context.Context, registry, username, password string) error {
	if username == "" && password == "" {
		return nil
	}
	_, err := d.exec(ctx, OpLogin, registry, password, "login", registry, "-u", username, "--password-stdin")
	return err
}

// Tag adds dst as a local alias of src.
func (d *Docker) Tag(ctx context.Context, src, dst string) error {
	_, err := d.exec(ctx, OpTag, src, "", "tag", src, dst)
	return err
}

// Push uploads ref to its registry.
func (d *Docker) Push(ctx context.Context, ref string) error {
	_, err := d.exec(ctx, OpPush, ref, "", "push", ref)
	return err
}

// InspectSize returns the local image size in bytes.
func (d *Docker) InspectSize(ctx context.Context, ref string) (int64, error) {
	out, err := d.exec(ctx, OpSize, ref, "", "image", "inspect", ref, "--format", "{{.Size}}")
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, &Error{Op: OpSize, Ref: ref, Err: fmt.Errorf("parsing size: %w", err)}
	}
	return size, nil
}

// InspectDigest returns the first sha256 repo digest of ref.
func (d *Docker) InspectDigest(ctx context.Context, ref string) (string, error) {
	out, err := d.exec(ctx, OpDigest, ref, "", "image", "inspect", ref, "--format", "{{json .RepoDigests}}")
	if err != nil {
		return "", err
	}
	return digestRegexp.FindString(string(out)), nil
}

// RemoveLocal deletes the local copies of refs.
func (d *Docker) RemoveLocal(ctx context.Context, refs ...string) error {
	if len(refs) == 0 {
		return nil
	}
	_, err := d.exec(ctx, OpRemove, strings.Join(refs, " "), "", append([]string{"rmi"}, refs...)...)
	return err
}

func redactArgs(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i := range out {
		if i > 0 && (out[i-1] == "-p" || out[i-1] == "--password") {
			out[i] = "***"
		}
	}
	return out
}
