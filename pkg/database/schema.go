package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks that the live database matches what the store expects.
// Run after migrations at startup so a hand-edited database fails fast.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var requiredColumns = map[string]map[string]string{
	"conversations": {
		"id":               "TEXT",
		"kind":             "TEXT",
		"direct_key":       "TEXT",
		"course_id":        "TEXT",
		"name":             "TEXT",
		"last_message_id":  "TEXT",
		"last_seq":         "INTEGER",
		"last_activity_at": "INTEGER",
		"created_at":       "INTEGER",
	},
	"conversation_participants": {
		"conversation_id": "TEXT",
		"user_id":         "TEXT",
		"joined_at":       "INTEGER",
	},
	"messages": {
		"id":              "TEXT",
		"conversation_id": "TEXT",
		"seq":             "INTEGER",
		"sender_id":       "TEXT",
		"content":         "TEXT",
		"kind":            "TEXT",
		"created_at":      "INTEGER",
	},
	"read_cursors": {
		"conversation_id": "TEXT",
		"user_id":         "TEXT",
		"last_message_id": "TEXT",
		"last_seq":        "INTEGER",
		"updated_at":      "INTEGER",
	},
	"notifications": {
		"position":   "INTEGER",
		"id":         "TEXT",
		"user_id":    "TEXT",
		"kind":       "TEXT",
		"title":      "TEXT",
		"related_id": "TEXT",
		"is_read":    "INTEGER",
		"created_at": "INTEGER",
	},
}

var requiredIndexes = []string{
	"idx_conversations_direct_key",
	"idx_conversations_activity",
	"idx_participants_user",
	"idx_messages_conversation_seq",
	"idx_notifications_user_position",
	"idx_notifications_user_unread",
	"idx_notifications_read_created",
}

// Validate runs every check.
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	tables := []string{"schema_migrations"}
	for table := range requiredColumns {
		tables = append(tables, table)
	}
	for _, table := range tables {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure verifies column names and declared types
func (v *SchemaValidator) ValidateTableStructure() error {
	for table, columns := range requiredColumns {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range requiredIndexes {
		exists, err := v.objectExists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name         string
			dataType     string
			notNull      int
			defaultValue interface{}
			pk           int
		)
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for column, wantType := range expected {
		gotType, ok := found[column]
		if !ok {
			return fmt.Errorf("column %s not found", column)
		}
		if gotType != wantType {
			return fmt.Errorf("column %s has type %s, expected %s", column, gotType, wantType)
		}
	}
	return nil
}
