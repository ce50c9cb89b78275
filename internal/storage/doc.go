// Package storage is the persistence boundary for wakecall.
//
// It keeps:
//   - schedule records keyed by schedule id (put/get/list/delete)
//   - the audit trail of schedule mutations and delivery outcomes
//   - dedup keys with an expiry, used for call idempotency and report dedup
package storage
