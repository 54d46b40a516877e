package db

import (
	"database/sql"
	"fmt"
)

// Scannable is a row type the store reads back: chunk rows and ingest jobs
type Scannable interface {
	Scan(rows *sql.Rows) error
}

// scanRows drains rows into a slice of T and closes them. Column order is
// the Scan method's contract with the SELECT that produced rows.
func scanRows[T any, PT interface {
	*T
	Scannable
}](rows *sql.Rows) ([]*T, error) {
	defer rows.Close()

	var results []*T
	for rows.Next() {
		item := PT(new(T))
		if err := item.Scan(rows); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		results = append(results, (*T)(item))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return results, nil
}
