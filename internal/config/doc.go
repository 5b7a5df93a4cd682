// Package config loads, normalizes, and validates acsmconv configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// ACSMCONV_ACTIVATION_DIR and PORT. The Config type centralizes every knob the
// daemon and CLI need, so upload/workspace/output directories, external tool
// locations, and concurrency limits are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
