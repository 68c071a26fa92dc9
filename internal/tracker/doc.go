// Package tracker is the release-tracking core: it decides when each
// repository is due for a poll, performs exactly one physical fetch per
// due repository regardless of watcher count, compares the fetched
// release against every watcher's last-seen marker, and fans out at most
// one notification per watcher per release.
//
// Scheduling is a coarse tick loop over a due set keyed by repository.
// A repository's effective interval is the minimum configured across its
// subscriptions. Polls for distinct repositories run concurrently on a
// small worker pool; polls for the same repository are serialized.
package tracker
