// Package trigger detects cross-merchant failure patterns and hands them to
// the reasoning agent.
//
// The Engine scans a rolling window of stored events, groups them by error
// code and raises a Trigger when enough distinct merchants share a code. Each
// Trigger carries a frozen evidence snapshot that the Dispatcher posts to the
// agent on a background pool; the agent outcome is recorded exactly once.
package trigger
