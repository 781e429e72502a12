// Package event defines the canonical event shape shared by every signal
// source, the per-source normalizers that produce it, and the persistence
// interfaces for the event log and the per-merchant migration projection.
package event
