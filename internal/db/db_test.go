package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func columns(t *testing.T, path, table string) []string {
	t.Helper()
	database, err := Open(path)
	require.NoError(t, err)
	defer database.Close()
	rows, err := database.Query(`SELECT name FROM pragma_table_info('` + table + `')`)
	require.NoError(t, err)
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		out = append(out, name)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestOpenMigratesIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autoreply.db")
	first := columns(t, path, "replies")
	second := columns(t, path, "replies")
	assert.Equal(t, first, second)
	assert.Contains(t, first, "delivered_at")
}

func TestForeignKeysCascade(t *testing.T) {
	database, err := Open(":memory:")
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Exec(`INSERT INTO posts(post_id) VALUES('p1')`)
	require.NoError(t, err)
	_, err = database.Exec(`INSERT INTO keyword_rules(post_id, keyword, keyword_norm, responses, position) VALUES('p1','Hola','hola','["hi"]',1)`)
	require.NoError(t, err)
	_, err = database.Exec(`INSERT INTO keyword_rules(post_id, keyword, keyword_norm, responses, position) VALUES('nope','x','x','["x"]',1)`)
	assert.Error(t, err, "rules must belong to a known post")

	_, err = database.Exec(`DELETE FROM posts WHERE post_id='p1'`)
	require.NoError(t, err)
	var n int
	require.NoError(t, database.QueryRow(`SELECT COUNT(*) FROM keyword_rules`).Scan(&n))
	assert.Zero(t, n)
}

func TestReplyCommentIDUnique(t *testing.T) {
	database, err := Open(":memory:")
	require.NoError(t, err)
	defer database.Close()

	ins := `INSERT INTO replies(comment_id, post_id) VALUES(?, 'p1')`
	_, err = database.Exec(ins, "c1")
	require.NoError(t, err)
	_, err = database.Exec(ins, "c1")
	assert.Error(t, err)

	// comments without an id are never deduplicated
	_, err = database.Exec(ins, nil)
	require.NoError(t, err)
	_, err = database.Exec(ins, nil)
	require.NoError(t, err)
}
