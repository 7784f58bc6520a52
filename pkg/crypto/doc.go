// Package crypto implements the cryptographic trust fabric between forge
// network services and the outside world.
//
// # Overview
//
// Two schemes live here:
//
//  1. Payload signing. Outbound webhook payloads (and the authority's
//     inbound profile-update webhooks) carry an Ed25519 signature over
//     payload||nonce in the X-Payload-Signature / X-Payload-Nonce headers.
//     Replay protection requires a nonce cache with a long TTL; without one,
//     replay is possible.
//
//  2. Internal request authorization. Co-deployed services authenticate to
//     each other with an encrypted JSON credential under the network-wide
//     shared key (NaCl secretbox), carried in the X-Forge-Authorization
//     header or as "Authorization: Internal <blob>".
//
// # Usage Example
//
//	signer, err := crypto.NewSigner(privateKeyB64)
//	if err != nil {
//		return err
//	}
//	headers := signer.SignedHeaders(payload)
//
// # Related Packages
//
//   - pkg/webhooks: signs delivery payloads
//   - pkg/middleware: verifies internal credentials
package crypto
