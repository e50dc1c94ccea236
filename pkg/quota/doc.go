// Package quota implements the minute ledger rules for voicescribe.
//
// An account has a free-tier allowance stored on the account row and zero or
// more subscription rows. At most one subscription is "current" at a time;
// when one exists its quota is used, otherwise the free tier is.
//
// Everything in this package is pure: callers load a Snapshot from storage,
// call Evaluate, and persist the result through a conditional update.
//
// # Usage
//
//	snap := quota.Snapshot{
//	    AccountID:   42,
//	    FreeUsed:    25,
//	}
//	d := quota.Evaluate(snap, quota.MinutesFromSeconds(360))
//	if !d.Admissible {
//	    return d.Err() // *quota.ExceededError{Remaining: 5, Required: 6}
//	}
package quota
