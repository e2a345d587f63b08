package journal

import "testing"

func TestMarkHidden(t *testing.T) {
	t.Run("database file after connect", func(t *testing.T) {
		j := newTestJournal(t)
		if err := markHidden(j.DatabaseFilePath()); err != nil {
			t.Errorf("markHidden(%q) error = %v", j.DatabaseFilePath(), err)
		}
	})
}
