package docsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Expected table, owned by the schema migration runner in the parent
// system, not by this service:
//
//	CREATE TABLE storage (
//	    key  text[] PRIMARY KEY,
//	    data bytea NOT NULL
//	);
//
// Prefix queries use array-slice equality (key[1:n] = prefix) so that
// matching is element-by-element on tuples, never on a concatenated
// string. ["AA","B"] must not match prefix ["A"].

type PgStorageAdapterSettings struct {
	TableName string
}

func DefaultPgStorageAdapterSettings() *PgStorageAdapterSettings {
	return &PgStorageAdapterSettings{
		TableName: "storage",
	}
}

type PgStorageAdapter struct {
	pool     *pgxpool.Pool
	settings *PgStorageAdapterSettings
}

func NewPgStorageAdapterWithDefaults(pool *pgxpool.Pool) *PgStorageAdapter {
	return NewPgStorageAdapter(pool, DefaultPgStorageAdapterSettings())
}

func NewPgStorageAdapter(pool *pgxpool.Pool, settings *PgStorageAdapterSettings) *PgStorageAdapter {
	return &PgStorageAdapter{
		pool:     pool,
		settings: settings,
	}
}

func (self *PgStorageAdapter) Load(ctx context.Context, key StorageKey) ([]byte, error) {
	var data []byte
	err := self.pool.QueryRow(
		ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE key = $1`, self.settings.TableName),
		[]string(key),
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage load %s: %w", key, err)
	}
	return data, nil
}

func (self *PgStorageAdapter) Save(ctx context.Context, key StorageKey, data []byte) error {
	_, err := self.pool.Exec(
		ctx,
		fmt.Sprintf(
			`INSERT INTO %s (key, data) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data`,
			self.settings.TableName,
		),
		[]string(key),
		data,
	)
	if err != nil {
		return fmt.Errorf("storage save %s: %w", key, err)
	}
	return nil
}

func (self *PgStorageAdapter) Remove(ctx context.Context, key StorageKey) error {
	_, err := self.pool.Exec(
		ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, self.settings.TableName),
		[]string(key),
	)
	if err != nil {
		return fmt.Errorf("storage remove %s: %w", key, err)
	}
	return nil
}

func (self *PgStorageAdapter) LoadRange(ctx context.Context, prefix StorageKey) ([]StorageRecord, error) {
	// key[1:0] is the empty array, so an empty prefix matches every row.
	rows, err := self.pool.Query(
		ctx,
		fmt.Sprintf(
			`SELECT key, data FROM %s
			WHERE key[1 : cardinality($1::text[])] = $1::text[]
			ORDER BY key`,
			self.settings.TableName,
		),
		[]string(prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("storage load range %s: %w", prefix, err)
	}
	defer rows.Close()

	out := []StorageRecord{}
	for rows.Next() {
		var key []string
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return nil, fmt.Errorf("storage load range %s: %w", prefix, err)
		}
		out = append(out, StorageRecord{
			Key:  StorageKey(key),
			Data: data,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage load range %s: %w", prefix, err)
	}
	return out, nil
}

func (self *PgStorageAdapter) RemoveRange(ctx context.Context, prefix StorageKey) error {
	_, err := self.pool.Exec(
		ctx,
		fmt.Sprintf(
			`DELETE FROM %s WHERE key[1 : cardinality($1::text[])] = $1::text[]`,
			self.settings.TableName,
		),
		[]string(prefix),
	)
	if err != nil {
		return fmt.Errorf("storage remove range %s: %w", prefix, err)
	}
	return nil
}
