package persistence

import "database/sql"

// DB exposes the handle to tests that need to age rows or tamper with the schema.
func (s *Store) DB() *sql.DB {
	return s.db
}
