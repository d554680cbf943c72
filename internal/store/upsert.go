package store

import (
	"errors"
	"fmt"
)

// statements is one backend's view of a single record's merge steps
type statements struct {
	lookup func() (bool, error)
	insert func() error
	update func() (bool, error)
}

// mergeRecord runs look up, then update or insert. An insert that loses the
// race to a concurrent writer falls back to update, so the outcome is last
// write wins with exactly one row. It reports whether the record was inserted.
func mergeRecord(id string, st statements) (bool, error) {
	if id == "" {
		return false, ErrMissingKey
	}

	exists, err := st.lookup()
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", id, err)
	}

	if !exists {
		err := st.insert()
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrDuplicateKey) {
			return false, fmt.Errorf("insert %s: %w", id, err)
		}
	}

	updated, err := st.update()
	if err != nil {
		return false, fmt.Errorf("update %s: %w", id, err)
	}
	if !updated {
		return false, fmt.Errorf("update %s: row vanished after conflict", id)
	}
	return false, nil
}
