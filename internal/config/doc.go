// Package config handles the nvagent settings file.
//
// # Location
//
// The config root is resolved in order:
//
//  1. NVAGENT_CONFIG_ROOT
//  2. $XDG_CONFIG_HOME/nvagent
//  3. ~/.config/nvagent
//
// Settings live in <root>/agent.yaml. The node identity lives beside it in
// <root>/default/ and is handled by package identity, not here.
//
// # Environment Variable Expansion
//
// Values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Unset variables expand to the empty string.
//
// # Defaults
//
// A missing file is not an error: Load returns Default(). Keys absent from
// the file keep their default values.
//
// # Sections
//
//	control:
//	  endpoint: "coord.example.net:50051"  # fallback when identity has none
//	  insecure: true
//	  connect_timeout: "15s"
//	  heartbeat_interval: "20s"
//	reset:
//	  disconnect_timeout: "10s"
//	retry:
//	  enabled: true
//	  initial_interval: "1s"
//	  max_interval: "1m"
//	health:
//	  addr: "127.0.0.1:50052"   # empty disables
//	history:
//	  path: "/var/lib/nvagent/history.db"   # empty disables
//	tailscale:
//	  enabled: false
//	  hostname: "nvagent"
//	  auth_key: "${TS_AUTHKEY}"
//	  state_dir: ""
//	  ephemeral: true
//	logging:
//	  level: "info"    # debug, info, warn, error
//	  format: "text"   # text, json, pretty
//
// Durations use time.ParseDuration syntax.
package config
