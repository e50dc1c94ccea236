// Package metering runs the check-then-commit pair around every inbound
// audio artifact.
//
// CheckAdmission loads the account's quota snapshot and asks the ledger
// whether the media fits, without writing anything. CommitDeduction reloads
// the snapshot and persists the new usage with a conditional increment on
// the governing record, so concurrent commits cannot overshoot a quota:
//
//	admission, err := svc.CheckAdmission(ctx, accountID, seconds)
//	if err != nil { ... }              // missing account or storage failure
//	if !admission.Admissible { ... }   // admission.Err() explains the shortfall
//	// create the job, then
//	if _, err := svc.CommitDeduction(ctx, accountID, seconds); err != nil {
//		// log and carry on: the job is already accepted
//	}
package metering
