package offline

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/mattn/go-sqlite3"
)

// sqlite-backed storage for platforms with a filesystem database.
// one kv table, key is the storage key, value is the JSON blob.
type SqliteStorage struct {
	db *sql.DB
}

func NewSqliteStorage(path string) (*SqliteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SqliteStorage{
		db: db,
	}, nil
}

func (self *SqliteStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := self.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ?`,
		key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (self *SqliteStorage) Set(ctx context.Context, key string, value []byte) error {
	_, err := self.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key,
		value,
	)
	return err
}

func (self *SqliteStorage) Delete(ctx context.Context, key string) error {
	_, err := self.db.ExecContext(ctx,
		`DELETE FROM kv WHERE key = ?`,
		key,
	)
	return err
}

func (self *SqliteStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	// substr instead of LIKE so that prefix wildcards never apply
	rows, err := self.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`,
		len(prefix),
		prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (self *SqliteStorage) Close() error {
	return self.db.Close()
}
