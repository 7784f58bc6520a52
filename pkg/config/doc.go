// Package config loads service configuration from environment variables.
//
// # Overview
//
// Every forge network service shares the same configuration surface: HTTP
// server settings, PostgreSQL and Redis endpoints, the central authority's
// origin and this service's OAuth client credentials, the network-wide
// shared encryption key, and the site webhook signing key.
//
// # Usage Example
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// All variables use the FORGE_ prefix; see Load for the full list.
package config
