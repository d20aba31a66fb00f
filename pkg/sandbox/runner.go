package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	v1 "github.com/containerd/cgroups/stats/v1"
	v2 "github.com/containerd/cgroups/v2/stats"
	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/typeurl/v2"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/codepit/codepit/pkg/log"
	"github.com/codepit/codepit/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace for codepit sandboxes
	DefaultNamespace = "codepit"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	maxStdoutBytes = 1 << 20    // 1MB
	maxStderrBytes = 256 * 1024 // 256KB
)

// Runner executes one C++ submission per container against containerd.
// Containers are single use: created, run, killed, deleted.
type Runner struct {
	client    *containerd.Client
	namespace string
	image     string
}

// NewRunner connects to containerd.
func NewRunner(socketPath, image string) (*Runner, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}
	return &Runner{
		client:    client,
		namespace: DefaultNamespace,
		image:     image,
	}, nil
}

// Close closes the containerd client connection.
func (r *Runner) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// EnsureImage pulls the compiler image if it is not already present.
// Called once at startup so job execution never waits on a pull.
func (r *Runner) EnsureImage(ctx context.Context) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	if _, err := r.client.GetImage(ctx, r.image); err == nil {
		return nil
	}
	if _, err := r.client.Pull(ctx, r.image, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", r.image, err)
	}
	return nil
}

// buildCommand assembles the compile-and-run shell command.
func buildCommand(flags []string) []string {
	cmd := fmt.Sprintf("g++ %s /workspace/main.cpp -o /tmp/a.out && /tmp/a.out", strings.Join(flags, " "))
	return []string{"/bin/sh", "-c", cmd}
}

// Execute compiles and runs the submission inside a locked-down
// container. The returned result is always non-nil unless container
// setup itself failed; compile errors and runtime crashes come back as
// a result with Success=false.
func (r *Runner) Execute(ctx context.Context, jobID, code string, opts types.ExecOptions) (*types.ExecResult, error) {
	logger := log.WithJobID(jobID)

	memBytes, err := ParseMemory(opts.MemoryLimit)
	if err != nil {
		return nil, err
	}

	workDir, err := os.MkdirTemp("", "codepit-"+jobID+"-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	defer os.RemoveAll(workDir)

	srcPath := filepath.Join(workDir, "main.cpp")
	if err := os.WriteFile(srcPath, []byte(code), 0600); err != nil {
		return nil, fmt.Errorf("write source: %w", err)
	}
	// Readable by the sandbox user, writable by nobody.
	if err := os.Chmod(srcPath, 0444); err != nil {
		return nil, fmt.Errorf("chmod source: %w", err)
	}

	nsCtx := namespaces.WithNamespace(ctx, r.namespace)
	image, err := r.client.GetImage(nsCtx, r.image)
	if err != nil {
		return nil, fmt.Errorf("get image %s: %w", r.image, err)
	}

	containerID := "codepit-" + jobID
	container, err := r.client.NewContainer(nsCtx, containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(buildCommand(opts.CompilerFlags)...),
			oci.WithHostname("codepit"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				applySecurityProfile(s)
				applyResourceLimits(s, opts, memBytes)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: "/workspace",
					Type:        "bind",
					Source:      workDir,
					Options:     []string{"rbind", "ro"},
				})

				s.Process.Cwd = "/workspace"
				s.Process.Env = []string{
					"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
					"HOME=/tmp",
					"LANG=C.UTF-8",
				}
				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	defer func() {
		if err := container.Delete(context.Background(), containerd.WithSnapshotCleanup); err != nil {
			logger.Error().Err(err).Msg("container cleanup failed")
		}
	}()

	var stdoutBuf, stderrBuf bytes.Buffer
	task, err := container.NewTask(nsCtx, cio.NewCreator(cio.WithStreams(nil, &stdoutBuf, &stderrBuf)))
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	defer func() {
		if _, err := task.Delete(context.Background(), containerd.WithProcessKill); err != nil {
			logger.Error().Err(err).Msg("task delete failed")
		}
	}()

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		return nil, fmt.Errorf("task wait: %w", err)
	}

	start := time.Now()
	if err := task.Start(nsCtx); err != nil {
		return nil, fmt.Errorf("task start: %w", err)
	}
	logger.Debug().Msg("sandbox task started")

	timeout := time.Duration(opts.WallTimeoutMs) * time.Millisecond
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case status := <-exitCh:
		elapsed := time.Since(start)
		exitCode := int(status.ExitCode())
		res := &types.ExecResult{
			Success:         exitCode == 0,
			Stdout:          truncateOutput(stdoutBuf.String(), maxStdoutBytes),
			Stderr:          truncateOutput(stderrBuf.String(), maxStderrBytes),
			ExitCode:        exitCode,
			ExecutionTimeMs: elapsed.Milliseconds(),
			MemoryBytes:     readMemoryPeak(nsCtx, task),
		}
		logger.Info().Int("exit_code", exitCode).Dur("elapsed", elapsed).Msg("sandbox run finished")
		return res, nil

	case <-timer.C:
		logger.Warn().Dur("timeout", timeout).Msg("sandbox run exceeded wall time, killing")
		// Sample memory while the cgroup is still populated.
		memPeak := readMemoryPeak(nsCtx, task)
		if err := task.Kill(context.Background(), 9); err != nil {
			logger.Error().Err(err).Msg("failed to kill timed out task")
		}
		<-exitCh
		return &types.ExecResult{
			Success:         false,
			Stdout:          truncateOutput(stdoutBuf.String(), maxStdoutBytes),
			Stderr:          truncateOutput(stderrBuf.String(), maxStderrBytes),
			ExitCode:        -1,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
			MemoryBytes:     memPeak,
			TimedOut:        true,
			Error:           fmt.Sprintf("execution exceeded %dms wall time", opts.WallTimeoutMs),
		}, nil

	case <-ctx.Done():
		logger.Warn().Msg("sandbox run cancelled, killing")
		if err := task.Kill(context.Background(), 9); err != nil {
			logger.Error().Err(err).Msg("failed to kill cancelled task")
		}
		<-exitCh
		return nil, ctx.Err()
	}
}

// readMemoryPeak samples the task's cgroup memory stats. Best effort:
// zero when the runtime exposes no metrics or the cgroup is gone.
// cgroup v1 reports the high-water mark; v2 stats carry only current
// usage, which at sample time is the closest available figure.
func readMemoryPeak(ctx context.Context, task containerd.Task) int64 {
	m, err := task.Metrics(ctx)
	if err != nil || m.Data == nil {
		return 0
	}
	data, err := typeurl.UnmarshalAny(m.Data)
	if err != nil {
		return 0
	}
	switch stats := data.(type) {
	case *v1.Metrics:
		if stats.Memory != nil && stats.Memory.Usage != nil {
			return int64(stats.Memory.Usage.Max)
		}
	case *v2.Metrics:
		if stats.Memory != nil {
			return int64(stats.Memory.Usage)
		}
	}
	return 0
}

// truncateOutput trims trailing whitespace and caps the result,
// marking any cut.
func truncateOutput(s string, maxBytes int) string {
	s = strings.TrimRight(s, " \t\r\n")
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n... [output truncated]"
}
