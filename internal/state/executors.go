package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ShayCichocki/aspen/pkg/models"
)

// Executor registry operations. The registry maps participant names to the
// executor endpoint serving them and drives dispatch routing.

// UpsertExecutor registers or refreshes an executor endpoint.
func (db *DB) UpsertExecutor(name, url string) (*models.ExecutorEndpoint, error) {
	if name == "" || url == "" {
		return nil, fmt.Errorf("%w: executor name and url are required", ErrInvalid)
	}

	now := time.Now()
	_, err := db.Exec(`
		INSERT INTO executors (name, url, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET url = excluded.url, last_seen = excluded.last_seen
	`, name, url, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("upsert executor: %w", err)
	}

	return db.GetExecutor(name)
}

// GetExecutor retrieves an executor endpoint by participant name.
func (db *DB) GetExecutor(name string) (*models.ExecutorEndpoint, error) {
	row := db.QueryRow("SELECT name, url, last_seen FROM executors WHERE name = ?", name)

	var e models.ExecutorEndpoint
	var lastSeen string
	err := row.Scan(&e.Name, &e.URL, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("executor %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get executor: %w", err)
	}

	e.LastSeen, _ = parseTime(lastSeen)
	return &e, nil
}

// ListExecutors returns all registered executor endpoints.
func (db *DB) ListExecutors() ([]*models.ExecutorEndpoint, error) {
	rows, err := db.Query("SELECT name, url, last_seen FROM executors ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list executors: %w", err)
	}
	defer rows.Close()

	var endpoints []*models.ExecutorEndpoint
	for rows.Next() {
		var e models.ExecutorEndpoint
		var lastSeen string
		if err := rows.Scan(&e.Name, &e.URL, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan executor: %w", err)
		}
		e.LastSeen, _ = parseTime(lastSeen)
		endpoints = append(endpoints, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executors: %w", err)
	}
	return endpoints, nil
}

// RemoveExecutor deletes an executor registration.
func (db *DB) RemoveExecutor(name string) error {
	res, err := db.Exec("DELETE FROM executors WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("remove executor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove executor: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("executor %q: %w", name, ErrNotFound)
	}
	return nil
}
