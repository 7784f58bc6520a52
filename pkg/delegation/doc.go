// Package delegation implements the client half of the delegated
// authorization model: bearer tokens are minted by a central account
// authority, and this service verifies them through a token exchange
// rather than issuing its own.
//
// # Exchange
//
//	client := delegation.NewClient(origin, clientID, clientSecret, revocationURL)
//	result, err := client.Exchange(ctx, bearerToken)
//
// A non-200 answer from the authority surfaces as *DelegationError with the
// authority's status and body intact. Transport failures surface as
// ErrTemporary so callers can distinguish "bad credential" from "authority
// unreachable".
//
// # Registration
//
// Service.LookupOrRegister mirrors the verified profile into the local user
// table and persists the external token, giving it a bounded local lifetime
// independent of the authority's own expiry.
package delegation
