// Package config handles configuration loading for lane-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are decoded as TOML; everything else is
// YAML. Unset fields receive defaults before validation.
//
// # Configuration File
//
// Default location:
//
//  1. Path from LANE_GATEWAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/lane-gateway/gateway.yaml (~/.config when unset)
//
// `lane-gateway init` writes a commented starter file there.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
// LANE_GATEWAY_DB_PATH overrides database.path.
//
// # Configuration Sections
//
// Lanes and their caps:
//
//	lanes:
//	  default: "main"           # global lane when a request names none
//	  session_prefix: "session:"
//	  concurrency:
//	    main: 4
//	    subagent: 8
//
// Run handling:
//
//	runs:
//	  wait_timeout: "30s"       # default for /agent/wait
//	  max_wait_timeout: "5m"    # upper clamp for timeoutMs
//	  idempotency_ttl: ""       # empty keeps keys for the process lifetime
//	  idempotency_max_keys: 0   # 0 is unbounded
//	  synthesize_terminal: true
//
// Duration values use Go's time.ParseDuration syntax.
//
// # Validation
//
// Load() validates:
//
//   - server.http_addr is set unless tailscale is enabled
//   - tailscale.hostname is set when tailscale is enabled
//   - every lane cap is at least 1
//   - max_wait_timeout is not below wait_timeout
//   - logging level and format are recognized
package config
