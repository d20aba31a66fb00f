/*
Package config loads codepit configuration from an optional YAML file
overlaid by environment variables.

Recognized environment variables:

	PORT                   HTTP listen port (default 8080)
	APP_URL                externally visible base URL
	DATABASE_URL           SQLite DSN (default codepit.db)
	DATA_DIR               durable queue + sandbox workspaces (default /var/lib/codepit)
	LOG_LEVEL              debug/info/warn/error (default info)
	MAX_EXECUTION_TIME_MS  wall-time ceiling for sandbox runs (default 30000)
	MAX_MEMORY_LIMIT       memory ceiling, size string (default 128m)
	MAX_CPU_LIMIT          CPU core ceiling (default 0.5)
	MAX_CONCURRENT_JOBS    simultaneous sandbox runs (default 5)
	WORKER_COUNT           dispatcher worker lanes (default 3)
	RATE_LIMIT_MAX         per-user submissions per window (default 5)
	RATE_LIMIT_WINDOW_MS   rolling window size (default 60000)
	CONTAINERD_SOCKET      containerd endpoint (default /run/containerd/containerd.sock)
	SANDBOX_IMAGE          compiler toolchain image (default docker.io/library/gcc:13)

Environment always wins over the file, so container deployments need no
config file at all.
*/
package config
