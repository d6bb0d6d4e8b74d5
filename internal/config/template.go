// ABOUTME: Starter configuration written by the init command
// ABOUTME: Kept as commented YAML so users see every option and its default

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrConfigExists is returned by WriteDefault when the target file exists.
var ErrConfigExists = errors.New("config file already exists")

// DefaultYAML is a complete starter configuration.
const DefaultYAML = `# lane-gateway configuration

server:
  http_addr: "127.0.0.1:8080"
  grpc_addr: "127.0.0.1:50051"   # gRPC health service; leave empty to disable
  rate_limit:
    requests_per_minute: 0       # per client; 0 disables
    burst: 10

tailscale:
  enabled: false
  hostname: "lane-gateway"
  auth_key: "${TS_AUTHKEY}"
  ephemeral: false
  https: false
  funnel: false

database:
  path: ""                       # SQLite event ledger; empty disables

lanes:
  default: "main"
  session_prefix: "session:"
  concurrency:
    main: 4
    subagent: 8

runs:
  wait_timeout: "30s"
  max_wait_timeout: "5m"
  idempotency_ttl: ""            # empty keeps keys for the process lifetime
  idempotency_max_keys: 0        # 0 is unbounded
  synthesize_terminal: true

agent:
  engine: "echo"
  delay: "0s"
  reply_prefix: "[lane-gateway] "

logging:
  level: "info"                  # debug, info, warn, error
  format: "text"                 # text, json

metrics:
  enabled: true
  path: "/metrics"
`

// WriteDefault writes DefaultYAML to path, creating parent directories. It
// refuses to overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrConfigExists, path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(DefaultYAML), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
