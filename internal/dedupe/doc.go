// Package dedupe provides the idempotency index used when accepting runs.
//
// A client may resubmit a message with the same idempotency key after a
// timeout or retry. The Index maps each key to the run it first created so
// that repeated submissions report the original run instead of scheduling a
// new one.
//
// Usage:
//
//	idx := dedupe.New(0, 0) // never expire, unbounded
//	defer idx.Close()
//
//	owner, claimed := idx.Claim("client-key", newRunID)
//	if !claimed {
//	    // owner is the run created by the first submission
//	}
package dedupe
