// Package license implements the entitlement engine for the Crowe CLI.
//
// It decides, for every invoked capability, whether the current user is
// authorized to use it and how much quota remains before a window resets.
// The package covers license key parsing and cryptographic validation
// (offline and online key formats), the tier catalog mapping a validated
// license to features and numeric limits, durable storage of the active
// license record, and sliding-window rate limit counters.
//
// Every failure path degrades to the most restrictive safe default: a
// corrupt or tampered record behaves like no license at all (Free tier),
// and a storage error during a limit check behaves like zero remaining
// quota. No error in this package aborts the invoking command.
package license
