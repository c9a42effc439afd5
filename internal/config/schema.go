package config

// fileSchema is the contract every configuration document must satisfy
// before it is decoded.
const fileSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "CheckoutFallbackConfig",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "server": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "addr": { "type": "string" },
        "gateway_timeout_ms": { "type": "integer", "minimum": 0 },
        "shutdown_timeout_ms": { "type": "integer", "minimum": 0 },
        "stdout_tracing": { "type": "boolean" }
      }
    },
    "fallback": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": { "type": "boolean" },
        "max_attempts": { "type": "integer", "minimum": 1 },
        "user_response_timeout_ms": { "type": "integer", "minimum": 0 },
        "trigger_error_codes": {
          "type": "array",
          "items": {
            "enum": ["invalid_request", "card_declined", "requires_action", "provider_unavailable", "provider_error", "unknown_error"]
          }
        },
        "provider_priority": { "type": "array", "items": { "type": "string", "minLength": 1 } },
        "mode": { "enum": ["manual", "auto"] },
        "auto_fallback_delay_ms": { "type": "integer", "minimum": 0 },
        "max_auto_fallbacks": { "type": "integer", "minimum": 0 }
      }
    },
    "flow": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "poll_interval_ms": { "type": "integer", "minimum": 0 },
        "max_polls": { "type": "integer", "minimum": 0 },
        "max_status_retries": { "type": "integer", "minimum": 0 },
        "status_retry_delay_ms": { "type": "integer", "minimum": 0 },
        "refresh_from_done": { "type": "boolean" }
      }
    },
    "circuit_breaker": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "failure_threshold": { "type": "integer", "minimum": 1 },
        "open_timeout_ms": { "type": "integer", "minimum": 0 },
        "half_open_successes": { "type": "integer", "minimum": 1 }
      }
    },
    "policies": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["id", "expression"],
        "properties": {
          "id": { "type": "string", "minLength": 1 },
          "expression": { "type": "string", "minLength": 1 },
          "decision": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "skip_fallback": { "type": "boolean" },
              "force_manual": { "type": "boolean" }
            }
          }
        }
      }
    },
    "providers": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["id", "type"],
        "properties": {
          "id": { "type": "string", "minLength": 1 },
          "type": { "enum": ["mock", "stripe"] },
          "methods": { "type": "array", "items": { "enum": ["card", "wallet", "bank_transfer"] } },
          "start_status": { "enum": ["succeeded", "processing", "requires_action", "failed"] },
          "fail_with": { "enum": ["invalid_request", "card_declined", "provider_unavailable", "provider_error", "unknown_error"] },
          "api_key": { "type": "string" },
          "api_key_env": { "type": "string" },
          "base_url": { "type": "string" },
          "retries": { "type": "integer", "minimum": 0 },
          "retry_delay_ms": { "type": "integer", "minimum": 0 }
        }
      }
    }
  },
  "required": ["providers"]
}`
