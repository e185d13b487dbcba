package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/starford/lexarchive/internal/apperr"
)

// lineage is an arena of one instrument's fragment tree. Nodes live in a
// slice; parent links are slice indexes (-1 for a root), so ancestor walks
// never chase database rows one query at a time.
type lineage struct {
	ids    []int64
	parent []int
	index  map[int64]int
}

func loadLineage(ctx context.Context, q queryer, instrumentID int64) (*lineage, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, COALESCE(parent_fragment_id, 0) FROM fragments WHERE instrument_id = ?`, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("load lineage: %w", err)
	}
	defer rows.Close()

	l := &lineage{index: make(map[int64]int)}
	var parentIDs []int64
	for rows.Next() {
		var id, parentID int64
		if err := rows.Scan(&id, &parentID); err != nil {
			return nil, fmt.Errorf("scan lineage: %w", err)
		}
		l.index[id] = len(l.ids)
		l.ids = append(l.ids, id)
		parentIDs = append(parentIDs, parentID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lineage: %w", err)
	}

	l.parent = make([]int, len(l.ids))
	for i, pid := range parentIDs {
		l.parent[i] = -1
		if idx, ok := l.index[pid]; ok && pid != 0 {
			l.parent[i] = idx
		}
	}
	return l, nil
}

// closesCycle reports whether making parentID the parent of childID would
// close a cycle: that is, whether childID is parentID itself or one of its
// ancestors. A pre-existing cycle on the parent's chain also reports true.
func (l *lineage) closesCycle(childID, parentID int64) bool {
	if childID == parentID {
		return true
	}
	start, ok := l.index[parentID]
	if !ok {
		return false
	}
	seen := make([]bool, len(l.ids))
	for cur := start; cur != -1; cur = l.parent[cur] {
		if seen[cur] || l.ids[cur] == childID {
			return true
		}
		seen[cur] = true
	}
	return false
}

// ancestors returns the ids on fragmentID's parent chain, nearest first.
func (l *lineage) ancestors(fragmentID int64) []int64 {
	start, ok := l.index[fragmentID]
	if !ok {
		return nil
	}
	var out []int64
	seen := make([]bool, len(l.ids))
	seen[start] = true
	for cur := l.parent[start]; cur != -1 && !seen[cur]; cur = l.parent[cur] {
		seen[cur] = true
		out = append(out, l.ids[cur])
	}
	return out
}

// Ancestors returns the parent chain of a fragment, nearest first.
func (a *Archive) Ancestors(ctx context.Context, fragmentID int64) ([]int64, error) {
	var instrumentID int64
	err := a.conn.QueryRowContext(ctx, `SELECT instrument_id FROM fragments WHERE id = ?`, fragmentID).Scan(&instrumentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("archive: fragment %d: %w", fragmentID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: fragment %d: %w", fragmentID, err)
	}
	l, err := loadLineage(ctx, a.conn, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	return l.ancestors(fragmentID), nil
}
