// Package store persists toasts.
//
// Drivers share one contract: Put assigns an id, Recent returns the newest
// records first. Write failures are reported as ErrBadRequest so callers can
// keep the toast queued and retry.
package store
