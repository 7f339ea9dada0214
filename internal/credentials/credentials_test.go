package credentials

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_Precedence(t *testing.T) {
	r := NewResolver(Credentials{PrimaryKey: " AIza-default ", FallbackKey: "sk-or-default"})

	got := r.Resolve(Credentials{})
	assert.Equal(t, "AIza-default", got.PrimaryKey)
	assert.Equal(t, "sk-or-default", got.FallbackKey)
	assert.False(t, got.PrimaryOverridden)
	assert.False(t, got.FallbackOverridden)

	got = r.Resolve(Credentials{PrimaryKey: "AIza-user", FallbackKey: "   "})
	assert.Equal(t, "AIza-user", got.PrimaryKey)
	assert.True(t, got.PrimaryOverridden)
	assert.Equal(t, "sk-or-default", got.FallbackKey)
	assert.False(t, got.FallbackOverridden)
}

func TestResolve_NothingConfigured(t *testing.T) {
	r := NewResolver(Credentials{})

	got := r.Resolve(Credentials{FallbackKey: "sk-or-user"})
	assert.Empty(t, got.PrimaryKey)
	assert.Equal(t, "sk-or-user", got.FallbackKey)
}

func TestFromHeadersAndMerge(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderGeminiKey, " AIza-header ")

	fromHeaders := FromHeaders(h)
	assert.Equal(t, "AIza-header", fromHeaders.PrimaryKey)
	assert.Empty(t, fromHeaders.FallbackKey)

	merged := fromHeaders.Merge(Credentials{PrimaryKey: "AIza-saved", FallbackKey: "sk-or-saved"})
	assert.Equal(t, "AIza-header", merged.PrimaryKey)
	assert.Equal(t, "sk-or-saved", merged.FallbackKey)
}

type fakeRow struct {
	values []string
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		*(d.(*string)) = r.values[i]
	}
	return nil
}

type fakeDB struct {
	row     fakeRow
	gotArgs []any
}

func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	db.gotArgs = args
	return db.row
}

func TestPostgresStore_GetByUser(t *testing.T) {
	db := &fakeDB{row: fakeRow{values: []string{"AIza-saved ", ""}}}
	store := NewPostgresStore(db)

	c, err := store.GetByUser(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "AIza-saved", c.PrimaryKey)
	assert.Empty(t, c.FallbackKey)
	assert.Equal(t, []any{"42"}, db.gotArgs)
}

func TestPostgresStore_NotFound(t *testing.T) {
	store := NewPostgresStore(&fakeDB{row: fakeRow{err: pgx.ErrNoRows}})

	_, err := store.GetByUser(context.Background(), "42")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_QueryError(t *testing.T) {
	boom := errors.New("connection reset")
	store := NewPostgresStore(&fakeDB{row: fakeRow{err: boom}})

	_, err := store.GetByUser(context.Background(), "42")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNotFound)
}
