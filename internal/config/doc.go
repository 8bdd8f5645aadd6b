// Package config handles configuration loading for batchline.
//
// # Configuration File
//
// The path is taken from the BATCHLINE_CONFIG environment variable, otherwise
// $XDG_CONFIG_HOME/batchline/config.yaml (~/.config when unset).
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${BATCHLINE_JWT_SECRET}"
//	ai:
//	  api_key: "${OPENAI_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	batching:
//	  quiet_window: "800ms"
//	  max_window: "2s"
//	memory:
//	  turn_ttl: "24h"
//
// # Example
//
//	server:
//	  http_addr: ":8080"
//	database:
//	  path: "/var/lib/batchline/batchline.db"
//	auth:
//	  jwt_secret: "${BATCHLINE_JWT_SECRET}"
//	batching:
//	  quiet_window: "800ms"
//	  max_window: "2s"
//	  retry_backoff: "500ms"
//	memory:
//	  backend: redis
//	  redis_url: "redis://localhost:6379/0"
//	  max_turns: 20
//	learning:
//	  schedule: "0 3 * * *"
//	  lookback: "720h"
//	ai:
//	  base_url: "https://api.openai.com/v1"
//	  api_key: "${OPENAI_API_KEY}"
//	outbound:
//	  webhook_url: "https://channels.example.com/send"
//	ingest:
//	  rate_per_second: 20
//	  burst: 40
//
// # Validation
//
// Load applies defaults for omitted values and then validates: database.path,
// a jwt_secret of at least 32 bytes and ai.base_url are required, and
// max_window may not be shorter than quiet_window.
package config
