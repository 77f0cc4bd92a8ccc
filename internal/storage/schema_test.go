package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchemaConstants(t *testing.T) {
	if SchemaVersion != "1" {
		t.Errorf("SchemaVersion = %s, want 1", SchemaVersion)
	}
	if FileType != "wikiimport" {
		t.Errorf("FileType = %s, want wikiimport", FileType)
	}
}

func TestGetBusyTimeout(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv(EnvBusyTimeout, "")
		assert.Equal(t, DefaultBusyTimeout, GetBusyTimeout(0))
	})

	t.Run("configured value", func(t *testing.T) {
		t.Setenv(EnvBusyTimeout, "")
		assert.Equal(t, 5000, GetBusyTimeout(5000))
	})

	t.Run("env overrides config", func(t *testing.T) {
		t.Setenv(EnvBusyTimeout, "15000")
		assert.Equal(t, 15000, GetBusyTimeout(5000))
	})

	t.Run("invalid env ignored", func(t *testing.T) {
		t.Setenv(EnvBusyTimeout, "soon")
		assert.Equal(t, 5000, GetBusyTimeout(5000))
		t.Setenv(EnvBusyTimeout, "-1")
		assert.Equal(t, DefaultBusyTimeout, GetBusyTimeout(0))
	})
}

func TestBuildDSN(t *testing.T) {
	assert.Equal(t,
		"file:/tmp/x.db?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=100",
		BuildDSN("/tmp/x.db", 100))
}

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   []string
	}{
		{"empty", "", nil},
		{"single", "SELECT 1;", []string{"SELECT 1;"}},
		{"comments skipped", "-- heading\nSELECT 1;\n\n-- trailing\n", []string{"SELECT 1;"}},
		{
			"multi line",
			"CREATE TABLE t (\n    a INTEGER\n);\nINSERT INTO t VALUES (1);",
			[]string{"CREATE TABLE t (\n    a INTEGER\n);", "INSERT INTO t VALUES (1);"},
		},
		{"unterminated tail", "SELECT 1;\nSELECT 2", []string{"SELECT 1;", "SELECT 2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitStatements(tt.script))
		})
	}
}

func TestImportSchemaStatements(t *testing.T) {
	stmts := splitStatements(importSchema)
	var tables int
	for _, s := range stmts {
		if len(s) > 12 && s[:12] == "CREATE TABLE" {
			tables++
		}
	}
	assert.Equal(t, 8, tables)
}
