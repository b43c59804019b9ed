// Package config loads the miner configuration from YAML.
//
// Values may reference environment variables as ${VAR}; a .env file in
// the working directory is loaded first when present. Load applies no
// defaults, LoadWithDefaults does, and LoadAndValidate also validates.
package config
