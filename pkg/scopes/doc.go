// Package scopes implements the OAuth permission model shared by all forge
// network services.
//
// # Overview
//
// A scope is a permission unit of the form [client_id/]name[:access] where
// access is "read" or "write". Scopes gate API endpoints and webhook events.
// The wildcard scope "*" represents full access and always carries write
// access.
//
// # Usage Example
//
//	s, err := scopes.Parse("repo:write")
//	if err != nil {
//		return err
//	}
//	if !granted.Authorizes(s) {
//		return errInsufficientScope
//	}
//
// Scope resolution (validation against a service's scope registry, plus
// human-friendly descriptions) is pluggable via the Resolver interface.
package scopes
