// Package webhooks implements per-resource webhook subscriptions and
// signed delivery.
//
// A service declares each webhook resource once, naming its events and the
// OAuth scope each event requires:
//
//	resource, err := webhooks.NewResource("repo", []webhooks.EventDescriptor{
//		{Name: "repo:create", Scope: "repos:read"},
//		{Name: "repo:delete", Scope: "repos:read"},
//		{Name: "issue:create", Scope: "issues:read"},
//	})
//
// Subscriptions and their delivery history live in per-resource SQL tables
// ("repo_subscription", "repo_delivery"). An Engine records a pending
// delivery row for every matching subscription, then hands the row id to a
// TaskQueue; the row is committed before dispatch so a crashed worker
// leaves an inspectable pending record. Outbound payloads carry an Ed25519
// signature in X-Payload-Signature and X-Payload-Nonce.
//
// Delivery attempts are made once, with a hard timeout. There is no
// automatic retry; failed or timed-out deliveries keep their recorded
// outcome and users re-attempt them through the redeliver endpoint.
//
// Three TaskQueue implementations are provided: AsynqQueue dispatches
// through redis to a separate worker process, PoolQueue runs an in-process
// worker pool, and SyncQueue delivers inline for tests and small
// deployments.
//
// API mounts the subscription management endpoints on a gorilla/mux
// router. Inbound handles the reverse direction: signed webhooks from the
// network authority for profile updates and token revocations.
package webhooks
