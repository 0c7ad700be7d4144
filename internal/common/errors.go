// Package common defines shared constants and sentinel errors used across
// the TKS daemon and its clients. Callers should use errors.Is to match
// these values; only the DBus layer translates them to wire error names.
package common

import "errors"

var (
	// Object resolution errors.
	ErrorNotFound      = errors.New("not found")
	ErrorAlreadyExists = errors.New("already exists")

	// Lock state errors.
	ErrorLocked = errors.New("collection is locked")

	// Session errors.
	ErrorNoSession            = errors.New("no such session")
	ErrorAlgorithmNotAllowed  = errors.New("algorithm not allowed")
	ErrorUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// Trust anchor errors.
	ErrorAuthorization = errors.New("authorization failed")
	ErrorDevice        = errors.New("trust anchor device error")

	// Data integrity and persistence errors.
	ErrorIntegrity = errors.New("integrity check failed")
	ErrorStorage   = errors.New("storage error")

	// Prompt lifecycle errors.
	ErrorDismissed = errors.New("prompt dismissed")

	// Request validation errors.
	ErrorParameter = errors.New("invalid parameter")
)
