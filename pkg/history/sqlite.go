package history

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteSink mirrors the query log into a SQLite database so runs can be
// analyzed offline.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

// Append inserts one entry.
func (s *SQLiteSink) Append(e Entry) error {
	measures, err := jsonField(e.Query.Measures, "[]")
	if err != nil {
		return err
	}
	initParams, err := jsonField(e.Query.InitParams, "{}")
	if err != nil {
		return err
	}
	queryParams, err := jsonField(e.Query.Params, "{}")
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO query_history (
			operation_id, instance_id, method, ts, from_ms, to_ms, width, height,
			schema_name, table_name, measures, init_params, query_params,
			total_ms, query_ms, rendering_ms, networking_ms, io_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.operation(), e.InstanceID, e.Method, e.Timestamp.UnixMilli(),
		e.Query.From, e.Query.To, e.Query.Width, e.Query.Height,
		e.Query.Schema, e.Query.Table, measures, initParams, queryParams,
		e.Performance.Total, e.Performance.Query, e.Performance.Rendering,
		e.Performance.Networking, e.Performance.IOCount,
	)
	if err != nil {
		return fmt.Errorf("inserting history entry: %w", err)
	}
	return nil
}

// PatchRendering updates the rendering and total time of an entry.
func (s *SQLiteSink) PatchRendering(operationID, instanceID string, perf Performance) error {
	_, err := s.db.Exec(`
		UPDATE query_history SET rendering_ms = ?, total_ms = ?
		WHERE operation_id = ? AND instance_id = ?`,
		perf.Rendering, perf.Total, operationID, instanceID,
	)
	if err != nil {
		return fmt.Errorf("patching history entry: %w", err)
	}
	return nil
}

// Load reads every stored entry in insertion order. Results are not persisted.
func (s *SQLiteSink) Load(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation_id, instance_id, method, ts, from_ms, to_ms, width, height,
			schema_name, table_name, measures, init_params, query_params,
			total_ms, query_ms, rendering_ms, networking_ms, io_count
		FROM query_history ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                                 Entry
			ts                                int64
			measures, initParams, queryParams string
		)
		if err := rows.Scan(
			&e.OperationID, &e.InstanceID, &e.Method, &ts,
			&e.Query.From, &e.Query.To, &e.Query.Width, &e.Query.Height,
			&e.Query.Schema, &e.Query.Table, &measures, &initParams, &queryParams,
			&e.Performance.Total, &e.Performance.Query, &e.Performance.Rendering,
			&e.Performance.Networking, &e.Performance.IOCount,
		); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		e.Query.MethodKey = e.InstanceID
		if err := json.Unmarshal([]byte(measures), &e.Query.Measures); err != nil {
			return nil, fmt.Errorf("decoding measures: %w", err)
		}
		if err := json.Unmarshal([]byte(initParams), &e.Query.InitParams); err != nil {
			return nil, fmt.Errorf("decoding init params: %w", err)
		}
		if err := json.Unmarshal([]byte(queryParams), &e.Query.Params); err != nil {
			return nil, fmt.Errorf("decoding query params: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
