// Package billing keeps subscription state consistent with the payment
// provider.
//
// # Overview
//
// The provider pushes signed lifecycle webhooks. Machine verifies the
// signature, parses the payload into one of the typed Event variants and
// applies it to the subscription and account records:
//
//	checkout.session.completed     account.is_subscribed = true
//	customer.subscription.created  upsert row by provider id, used = 0
//	customer.subscription.updated  status (last writer wins), is_subscribed
//	customer.subscription.deleted  status = canceled, is_subscribed = false
//	invoice.payment_succeeded      used = 0 for the new period
//	invoice.payment_failed         status = past_due
//
// Every effect is an absolute write keyed by the provider subscription id, so
// redelivered events leave state unchanged. Processed event ids are also
// remembered in an EventLog so redeliveries are acknowledged without touching
// storage.
//
// # Commands
//
// RequestCancellation and RequestReactivation call the provider first and
// only then mirror the new status locally. GetSubscriptionView returns the
// read model used by presentation layers.
//
// # Signatures
//
// Webhooks carry a header of the form
//
//	Billing-Signature: t=1700000000,v1=5257a869e7ecebeda32affa62cdca3fa51cad7e77a0e56ff536d0ce8e108d8bd
//
// where v1 is the hex HMAC-SHA256 of "<t>.<body>" under the shared secret.
package billing
