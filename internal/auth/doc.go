// Package auth authenticates the single operator identity for the HTTP API
// using HS256 JWTs. There are no roles and no other principals.
package auth
