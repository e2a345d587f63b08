package propagator

import (
	"davsync/internal/journal"
	"davsync/internal/logging"
)

// Blacklist backoff bounds in seconds. The ignore window starts at the
// minimum and doubles on every further failure until it hits the maximum.
const (
	minBlacklistTime = 25
	maxBlacklistTime = 24 * 60 * 60
)

// mayBlacklist decides whether a failed item participates in blacklisting.
// Hard errors always do; soft errors only when the producer flagged the item
// as advisory-blacklistable.
func mayBlacklist(item *Item, status Status) bool {
	if item.ErrorMayBeBlacklisted {
		return true
	}
	return status == NormalError || status == FatalError
}

// updatedBlacklistEntry recomputes the entry for a failed item from the
// prior entry, if any.
func updatedBlacklistEntry(old *journal.BlacklistEntry, item *Item, now int64) journal.BlacklistEntry {
	entry := journal.BlacklistEntry{
		Path:           item.File,
		LastTryEtag:    item.ETag,
		LastTryModtime: item.Modtime,
		RetryCount:     1,
		ErrorString:    item.ErrorString,
		LastTryTime:    now,
		IgnoreDuration: minBlacklistTime,
	}
	if old != nil {
		entry.RetryCount = old.RetryCount + 1
		d := old.IgnoreDuration * 2
		if d < minBlacklistTime {
			d = minBlacklistTime
		}
		if d > maxBlacklistTime {
			d = maxBlacklistTime
		}
		entry.IgnoreDuration = d
	}
	return entry
}

// blacklistUpdate refreshes the journal's blacklist entry for a failed item
// and reports whether the entry actively suppresses the item.
func blacklistUpdate(j *journal.Journal, log logging.Logger, item *Item, status Status, now int64) bool {
	if !mayBlacklist(item, status) {
		return false
	}

	old, err := j.BlacklistEntry(item.File)
	if err != nil {
		log.Warn("blacklist lookup failed", "path", item.File, "error", err)
		return false
	}

	entry := updatedBlacklistEntry(old, item, now)
	if !entry.Valid() {
		// Non-retriable; make sure no stale entry lingers.
		if err := j.WipeBlacklistEntry(item.File); err != nil {
			log.Warn("blacklist wipe failed", "path", item.File, "error", err)
		}
		return false
	}

	if err := j.UpdateBlacklistEntry(entry); err != nil {
		log.Warn("blacklist update failed", "path", item.File, "error", err)
		return false
	}
	return entry.IgnoreDuration > 0
}
