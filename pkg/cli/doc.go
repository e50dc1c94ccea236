// Package cli implements voicescribectl, the operator command line for
// voicescribe deployments.
//
// # Commands
//
// migrate: apply schema migrations
//
//	voicescribectl migrate --db-driver postgres --db-url postgres://...
//
// create-account: register an account
//
//	voicescribectl create-account --phone +15550100 --minutes 60
//
// quota: show an account's quota and whether a recording would be admitted
//
//	voicescribectl quota --account 42 --seconds 90
//
// reset-usage: zero an account's free-tier counter
//
//	voicescribectl reset-usage --account 42
//
// sign-event: sign a billing event payload, optionally delivering it
//
//	voicescribectl sign-event --file event.json --post http://localhost:8080/v1/webhooks/billing
//
// Database flags default to VOICESCRIBE_DB_DRIVER and VOICESCRIBE_DB_URL; the
// signing secret defaults to VOICESCRIBE_BILLING_WEBHOOK_SECRET.
package cli
