// Package auth validates bearer tokens and maps their claims onto the
// Actor that every governed action is evaluated for.
//
// Tokens are HS256 JWTs carrying:
//   - sub: the actor id
//   - role: the role the rule table is keyed by
//   - src: the channel the request came from
//
// Authentication only establishes identity. Whether the actor may perform
// an action is decided by the authorization gate.
package auth
