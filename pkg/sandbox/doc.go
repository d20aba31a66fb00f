/*
Package sandbox executes C++ submissions in throwaway containerd
containers.

Each run gets a fresh container: the source is bind mounted read-only
at /workspace, a single shell command compiles with g++ and runs the
binary from a small executable tmpfs at /tmp, and the container is
killed and deleted when the run settles. The OCI spec drops all
capabilities, disables privilege escalation, runs as an unprivileged
user on a read-only rootfs and applies cgroup memory, CPU and pid
limits derived from the job options.

The Pool bounds concurrency, tracks live runs so the supervisor can
force kill stuck containers, and samples recent durations for the
stats endpoints.
*/
package sandbox
