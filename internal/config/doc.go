// Package config handles configuration loading for coven-switchboard.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion. Every value has a default, so an empty file (or no file at all)
// runs a local simulated network with canned replies.
//
// # Configuration File
//
// Locations (in order):
//
//  1. The --config flag
//  2. Path from SWITCHBOARD_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/switchboard.yaml (~/.config when unset)
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	completion:
//	  api_key: "${OPENAI_API_KEY}"
//
// Only the ${VAR_NAME} form is expanded. Unset variables expand to "".
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8090"   # ops API
//
//	database:
//	  path: "switchboard.db"
//
//	sessions:
//	  reconnect_delay: "5s"
//	  conflict_delay: "30s"         # never below 30s
//	  qr_expiry_delay: "2s"
//	  handshake_timeout: "45s"
//
//	router:
//	  dedupe_ttl: "60s"
//
//	delivery:
//	  ready_timeout: "10s"
//	  poll_interval: "500ms"
//	  max_retries: 3
//	  base_backoff: "2s"
//
//	autopilot:
//	  enabled: true
//	  interval: "45s"
//	  quiet_window: "25s"
//	  starters_file: "starters.toml"
//
//	completion:
//	  provider: "openai"            # openai, canned
//	  model: "gpt-4o-mini"
//
//	protocol:
//	  driver: "matrix"              # simnet, matrix
//	  matrix:
//	    homeserver: "https://matrix.example.org"
//	    accounts:
//	      Alice: {username: "alice", password: "${ALICE_PASSWORD}"}
//
//	logging:
//	  level: "info"                 # debug, info, warn, error
//	  format: "text"                # text, json
//
//	tailscale:
//	  enabled: false
//	  hostname: "switchboard"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//
// Durations use time.ParseDuration syntax.
package config
