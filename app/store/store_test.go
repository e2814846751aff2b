package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SQLite(t *testing.T) {
	t.Run("successful creation", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")
		p, err := New(Config{Type: "sqlite", Database: dbPath})
		require.NoError(t, err)
		assert.NotNil(t, p)
		require.NoError(t, p.Close())
	})

	t.Run("missing database path", func(t *testing.T) {
		p, err := New(Config{Type: "sqlite"})
		require.Error(t, err)
		assert.Nil(t, p)
	})

	t.Run("dsn override", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "override.db")
		p, err := New(Config{Type: "sqlite", Database: "ignored", DSN: dbPath})
		require.NoError(t, err)
		defer p.Close()

		conn, err := p.Acquire(context.Background())
		require.NoError(t, err)
		defer conn.Close()
		_, err = conn.ExecContext(context.Background(), "CREATE TABLE t (id INTEGER)")
		require.NoError(t, err)
	})
}

func TestNew_UnsupportedType(t *testing.T) {
	p, err := New(Config{Type: "oracle"})
	require.Error(t, err)
	assert.Nil(t, p)
	assert.Contains(t, err.Error(), "unsupported database type")
}

func TestNew_PostgresRequiresFields(t *testing.T) {
	p, err := New(Config{Type: "postgres", Server: "localhost"})
	require.Error(t, err)
	assert.Nil(t, p)
	assert.Contains(t, err.Error(), "requires server, database and user")
}

func TestProvider_Acquire(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	p, err := New(Config{Type: "sqlite", Database: dbPath})
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	conn, err := p.Acquire(ctx)
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, "INSERT INTO items (name) VALUES ('one')")
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	// a fresh connection from the same pool sees the committed data
	conn2, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer conn2.Close()

	var count int
	err = conn2.QueryRowxContext(ctx, "SELECT COUNT(*) FROM items").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestConfig_DSN(t *testing.T) {
	tests := []struct {
		name       string
		cfg        Config
		wantDriver string
		wantDSN    string
		wantErr    bool
	}{
		{name: "postgres from fields", cfg: Config{Type: "postgres", Server: "db:5432", Database: "app", User: "u", Password: "p"},
			wantDriver: "postgres", wantDSN: "postgres://u:p@db:5432/app?sslmode=disable&connect_timeout=10"},
		{name: "postgres dsn override", cfg: Config{Type: "postgres", DSN: "postgres://x"}, wantDriver: "postgres", wantDSN: "postgres://x"},
		{name: "default type is postgres", cfg: Config{DSN: "postgres://y"}, wantDriver: "postgres", wantDSN: "postgres://y"},
		{name: "sqlite path", cfg: Config{Type: "sqlite", Database: "/tmp/x.db"}, wantDriver: "sqlite", wantDSN: "/tmp/x.db"},
		{name: "mixed case type", cfg: Config{Type: "SQLite", Database: "/tmp/x.db"}, wantDriver: "sqlite", wantDSN: "/tmp/x.db"},
		{name: "unsupported", cfg: Config{Type: "mysql"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver, dsn, err := tt.cfg.dsn()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDriver, driver)
			assert.Equal(t, tt.wantDSN, dsn)
		})
	}
}
