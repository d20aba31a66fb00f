package sandbox

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/codepit/codepit/pkg/types"
)

// Hard validation bounds. Configured ceilings may tighten but never
// widen these.
const (
	MinWallTimeoutMs = 1000
	MaxWallTimeoutMs = 60000
	MaxCPUCores      = 4.0
	MinProcessCount  = 1
	MaxProcessCount  = 1024

	// scratchBytes is the writable /tmp tmpfs inside the sandbox.
	scratchBytes = 10 * 1024 * 1024

	sandboxUID = 65534
	sandboxGID = 65534
)

// DefaultOptions is the profile applied to submissions that omit
// fields.
func DefaultOptions() types.ExecOptions {
	return types.ExecOptions{
		MemoryLimit:       "128m",
		CPULimit:          0.5,
		WallTimeoutMs:     30000,
		ProcessCountLimit: 32,
		CompilerFlags:     []string{"-std=c++17", "-Wall", "-Wextra"},
	}
}

var memoryPattern = regexp.MustCompile(`^(\d+)([kmg]?)$`)

// ParseMemory converts a size string like "128m" to bytes. Accepted
// suffixes are k, m and g (lowercased); no suffix means bytes.
func ParseMemory(s string) (int64, error) {
	m := memoryPattern.FindStringSubmatch(strings.ToLower(s))
	if m == nil {
		return 0, fmt.Errorf("%w: invalid memory limit %q", types.ErrValidation, s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: memory limit %q out of range", types.ErrValidation, s)
	}
	switch m[2] {
	case "k":
		n *= 1024
	case "m":
		n *= 1024 * 1024
	case "g":
		n *= 1024 * 1024 * 1024
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: memory limit must be positive", types.ErrValidation)
	}
	return n, nil
}

var flagPattern = regexp.MustCompile(`^-[A-Za-z0-9][A-Za-z0-9+=_.,-]*$`)

// deniedFlagPrefixes blocks compiler flags that reach outside the
// sandbox workspace or change the output path.
var deniedFlagPrefixes = []string{
	"-o", "-I", "-L", "-B", "-include", "-imacros", "-isystem",
	"-iquote", "-idirafter", "-Wl", "-Wp", "-Wa", "-specs",
	"-fplugin", "-x", "--",
}

// ValidateFlags checks each compiler flag against the allowed shape.
func ValidateFlags(flags []string) error {
	for _, f := range flags {
		if !flagPattern.MatchString(f) {
			return fmt.Errorf("%w: invalid compiler flag %q", types.ErrValidation, f)
		}
		for _, p := range deniedFlagPrefixes {
			if strings.HasPrefix(f, p) {
				return fmt.Errorf("%w: compiler flag %q is not allowed", types.ErrValidation, f)
			}
		}
	}
	return nil
}

// NormalizeOptions fills unset fields from the defaults, clamps values
// to the configured ceilings and validates the result. The returned
// options are always fully populated.
func NormalizeOptions(opts types.ExecOptions, maxTimeoutMs int, maxMemory string, maxCPU float64) (types.ExecOptions, error) {
	def := DefaultOptions()

	if opts.MemoryLimit == "" {
		opts.MemoryLimit = def.MemoryLimit
	}
	if opts.CPULimit == 0 {
		opts.CPULimit = def.CPULimit
	}
	if opts.WallTimeoutMs == 0 {
		opts.WallTimeoutMs = def.WallTimeoutMs
	}
	if opts.ProcessCountLimit == 0 {
		opts.ProcessCountLimit = def.ProcessCountLimit
	}
	if opts.CompilerFlags == nil {
		opts.CompilerFlags = append([]string(nil), def.CompilerFlags...)
	}

	if opts.WallTimeoutMs < MinWallTimeoutMs || opts.WallTimeoutMs > MaxWallTimeoutMs {
		return opts, fmt.Errorf("%w: wall timeout %dms outside [%d,%d]",
			types.ErrValidation, opts.WallTimeoutMs, MinWallTimeoutMs, MaxWallTimeoutMs)
	}
	if maxTimeoutMs > 0 && opts.WallTimeoutMs > maxTimeoutMs {
		opts.WallTimeoutMs = maxTimeoutMs
	}

	if opts.CPULimit <= 0 || opts.CPULimit > MaxCPUCores {
		return opts, fmt.Errorf("%w: cpu limit %g outside (0,%g]", types.ErrValidation, opts.CPULimit, MaxCPUCores)
	}
	if maxCPU > 0 && opts.CPULimit > maxCPU {
		opts.CPULimit = maxCPU
	}

	if opts.ProcessCountLimit < MinProcessCount || opts.ProcessCountLimit > MaxProcessCount {
		return opts, fmt.Errorf("%w: process limit %d outside [%d,%d]",
			types.ErrValidation, opts.ProcessCountLimit, MinProcessCount, MaxProcessCount)
	}

	reqBytes, err := ParseMemory(opts.MemoryLimit)
	if err != nil {
		return opts, err
	}
	if maxMemory != "" {
		capBytes, err := ParseMemory(maxMemory)
		if err != nil {
			return opts, fmt.Errorf("invalid configured memory ceiling: %w", err)
		}
		if reqBytes > capBytes {
			opts.MemoryLimit = maxMemory
		}
	}

	if err := ValidateFlags(opts.CompilerFlags); err != nil {
		return opts, err
	}
	return opts, nil
}

// applyResourceLimits writes cgroup limits into the OCI spec.
func applyResourceLimits(s *specs.Spec, opts types.ExecOptions, memoryBytes int64) {
	if s.Linux == nil {
		s.Linux = &specs.Linux{}
	}
	if s.Linux.Resources == nil {
		s.Linux.Resources = &specs.LinuxResources{}
	}

	s.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes, // no swap headroom beyond the limit
	}

	period := uint64(100000)
	quota := int64(opts.CPULimit * float64(period))
	s.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	s.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: int64(opts.ProcessCountLimit),
	}
}

// applySecurityProfile locks the container down: read-only rootfs, no
// capabilities, no privilege escalation, unprivileged user and a small
// noexec scratch tmpfs.
func applySecurityProfile(s *specs.Spec) {
	if s.Process == nil {
		s.Process = &specs.Process{}
	}
	s.Process.NoNewPrivileges = true
	s.Process.User = specs.User{UID: sandboxUID, GID: sandboxGID}
	s.Process.Capabilities = &specs.LinuxCapabilities{}
	if s.Root == nil {
		s.Root = &specs.Root{}
	}
	s.Root.Readonly = true

	// The compiled binary runs from /tmp, so the scratch mount must
	// stay executable; nosuid and nodev still apply.
	s.Mounts = append(s.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev",
			fmt.Sprintf("size=%d", scratchBytes),
			fmt.Sprintf("uid=%d", sandboxUID),
			fmt.Sprintf("gid=%d", sandboxGID),
		},
	})
}
