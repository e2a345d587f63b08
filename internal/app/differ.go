package app

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	syncfs "davsync/internal/fs"
	"davsync/internal/journal"
	"davsync/internal/propagator"
)

// planItems walks the local folder, compares it against the journal, and
// produces the sorted item vector for one push-direction pass. It also
// returns the set of paths seen, which drives the post-run journal sweeps.
//
// Remote-side discovery is out of scope here: changes arriving from the
// server are picked up as download items only when the journal carries the
// invalid-etag sentinel for them.
func planItems(localDir string, ignore []string, j *journal.Journal) ([]*propagator.Item, map[string]bool, error) {
	matcher, err := syncfs.LoadMatcher(localDir, ignore)
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[string]bool)
	var items []*propagator.Item

	err = filepath.WalkDir(localDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == localDir {
			return nil
		}
		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if skipLocalName(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if matcher.Match(rel) {
			// Excluded paths are reported but never transferred, and any
			// journal row they have survives.
			seen[rel] = true
			items = append(items, &propagator.Item{
				File:        rel,
				Instruction: propagator.InstructionIgnore,
				IsDirectory: d.IsDir(),
			})
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		seen[rel] = true
		item, err := compareWithJournal(j, rel, path, d)
		if err != nil {
			return err
		}
		if item != nil {
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("scanning %s: %w", localDir, err)
	}

	removed, err := removedItems(j, seen, matcher)
	if err != nil {
		return nil, nil, err
	}
	items = append(items, removed...)

	sort.Slice(items, func(a, b int) bool { return items[a].File < items[b].File })

	for _, item := range items {
		entry, err := j.BlacklistEntry(item.File)
		if err != nil {
			return nil, nil, err
		}
		item.HasBlacklistEntry = entry != nil
	}
	return items, seen, nil
}

// skipLocalName filters the journal database and partial-download tmpfiles
// out of the scan.
func skipLocalName(name string) bool {
	if strings.HasPrefix(name, journal.DatabaseFileName) {
		return true
	}
	// download tmpfiles look like .<base>.~<id>
	return strings.HasPrefix(name, ".") && strings.Contains(name, ".~")
}

// compareWithJournal classifies one local entry against its journal row.
// A nil item means the entry is unchanged.
func compareWithJournal(j *journal.Journal, rel, path string, d fs.DirEntry) (*propagator.Item, error) {
	rec, err := j.GetFileRecord(rel)
	if err != nil {
		return nil, err
	}

	if d.IsDir() {
		switch {
		case rec == nil:
			return &propagator.Item{
				File:        rel,
				Instruction: propagator.InstructionNew,
				Direction:   propagator.DirectionUp,
				IsDirectory: true,
			}, nil
		case rec.Type != journal.TypeDirectory:
			return &propagator.Item{
				File:        rel,
				Instruction: propagator.InstructionTypeChange,
				Direction:   propagator.DirectionUp,
				IsDirectory: true,
			}, nil
		}
		// Rows carrying the invalid-etag sentinel are left untouched: only a
		// server-side listing can supply the real etag, and overwriting the
		// sentinel here would cancel the forced re-read.
		return nil, nil
	}

	info, err := d.Info()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // raced with a concurrent delete
		}
		return nil, err
	}
	modtime := info.ModTime().Unix()

	switch {
	case rec == nil:
		return &propagator.Item{
			File:        rel,
			Instruction: propagator.InstructionNew,
			Direction:   propagator.DirectionUp,
			Size:        info.Size(),
			Modtime:     modtime,
		}, nil
	case rec.Type == journal.TypeDirectory:
		return &propagator.Item{
			File:        rel,
			Instruction: propagator.InstructionTypeChange,
			Direction:   propagator.DirectionUp,
			Size:        info.Size(),
			Modtime:     modtime,
		}, nil
	case rec.Modtime != modtime || rec.FileSize != info.Size():
		return &propagator.Item{
			File:        rel,
			Instruction: propagator.InstructionSync,
			Direction:   propagator.DirectionUp,
			Size:        info.Size(),
			Modtime:     modtime,
		}, nil
	}
	return nil, nil
}

// removedItems turns journal rows with no local counterpart into remote
// deletions. Rows inside an ignored subtree are left alone.
func removedItems(j *journal.Journal, seen map[string]bool, matcher *syncfs.IgnoreMatcher) ([]*propagator.Item, error) {
	recs, err := j.FileRecords()
	if err != nil {
		return nil, err
	}
	var items []*propagator.Item
	for _, rec := range recs {
		if seen[rec.Path] {
			continue
		}
		if matcher.MatchesAncestor(rec.Path) {
			seen[rec.Path] = true
			continue
		}
		items = append(items, &propagator.Item{
			File:        rec.Path,
			Instruction: propagator.InstructionRemove,
			Direction:   propagator.DirectionUp,
			IsDirectory: rec.Type == journal.TypeDirectory,
			Size:        rec.FileSize,
			Modtime:     rec.Modtime,
			ETag:        rec.ETag,
			FileID:      rec.FileID,
		})
	}
	return items, nil
}
