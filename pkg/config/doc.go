// Package config loads the flightdeck configuration file.
//
// The file is YAML. Every section is optional and omitted settings keep
// the values from Default:
//
//	service:
//	  name: flightdeck
//	  domain: workspace.example.org
//	database:
//	  driver: postgres            # sqlite, postgres or memory
//	  dsn: postgres://flightdeck@db/flightdeck
//	engine:
//	  workers: 8
//	  cloud_retry: {initial: 1s, max: 30s, factor: 2, max_attempts: 8}
//	jobs:
//	  poll_interval: 1s
//	  wait_timeout: 10m
//	cloud:
//	  provider: minio             # minio or memory
//	  minio: {endpoint: "minio:9000", access_key: ..., secret_key: ...}
//	policy:
//	  paths: [/etc/flightdeck/policies]
//	  watch: true
//	telemetry:
//	  logging: {level: info, format: json}
//
// A document is checked twice. Its structure is unified with the CUE
// definition embedded from schema.cue, which rejects unknown keys, wrong
// types and out-of-range values with their paths. After decoding, struct
// tags are checked with go-playground/validator for rules that span fields.
package config
