package database

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaValidator checks that a migrated database has the shape the
// journal queries expect.
type SchemaValidator struct {
	db *sql.DB
}

func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var requiredColumns = map[string]map[string]string{
	"connection_sessions": {
		"id":              "TEXT",
		"user_id":         "TEXT",
		"remote_addr":     "TEXT",
		"connected_at":    "DATETIME",
		"disconnected_at": "DATETIME",
		"close_reason":    "TEXT",
	},
	"schema_migrations": {
		"version":    "TEXT",
		"applied_at": "DATETIME",
	},
}

var requiredIndexes = []string{
	"idx_connection_sessions_user_time",
	"idx_connection_sessions_open",
}

// Validate runs every check and returns the first failure.
func (v *SchemaValidator) Validate(ctx context.Context) error {
	if err := v.ValidateTables(ctx); err != nil {
		return err
	}
	return v.ValidateIndexes(ctx)
}

// ValidateTables verifies each required table exists with the expected
// column types.
func (v *SchemaValidator) ValidateTables(ctx context.Context) error {
	for table, columns := range requiredColumns {
		exists, err := v.exists(ctx, "table", table)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
		if err := v.validateColumns(ctx, table, columns); err != nil {
			return fmt.Errorf("table %s: %w", table, err)
		}
	}
	return nil
}

func (v *SchemaValidator) ValidateIndexes(ctx context.Context) error {
	for _, index := range requiredIndexes {
		exists, err := v.exists(ctx, "index", index)
		if err != nil {
			return fmt.Errorf("check index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

func (v *SchemaValidator) exists(ctx context.Context, kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?", kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(ctx context.Context, table string, expected map[string]string) error {
	// Table names come from requiredColumns, never from input.
	rows, err := v.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name, typ    string
			notNull, pk  int
			defaultValue interface{}
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = typ
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for col, typ := range expected {
		got, ok := found[col]
		if !ok {
			return fmt.Errorf("column %s not found", col)
		}
		if got != typ {
			return fmt.Errorf("column %s has type %s, expected %s", col, got, typ)
		}
	}
	return nil
}
