// Package config loads the gatehoused configuration. A YAML file named by
// GATEHOUSE_CONFIG_FILE provides the base values; GATEHOUSE_* environment
// variables override it field by field, so container deployments can run
// from environment alone.
package config
