// Package feed polls cursor-less upstream feeds and hands each record to a
// handler exactly once per successful handling.
//
// The upstream announcement feeds have no "since" parameter: every poll
// returns the latest window again. A Poller asks the tracker which records
// are new, processes those on a bounded worker pool, and marks a record
// processed only after its handler succeeded. A failed handler leaves the
// record unmarked so the next poll retries it (at-least-once).
//
// Example usage:
//
//	src := feed.NewAnnouncementSource(nseClient, feed.DefaultAnnouncementConfig())
//	poller, err := feed.NewPoller(tr, feed.AttachmentHandler(nseClient, "attachments"), feed.DefaultConfig(), src)
//	results, err := poller.PollOnce(ctx)
//
// The poller:
//   - Fetches every source in turn
//   - Filters each batch through the tracker, preserving order
//   - Spawns a worker pool (default 4 workers) per batch
//   - Marks records after their handler returns nil
//   - Reports per-source counts in a PollResult
package feed
