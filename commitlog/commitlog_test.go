package commitlog_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/beandb/commitlog"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func open(t *testing.T, path string) *commitlog.Log {
	t.Helper()
	now := start
	l, err := commitlog.Open(path, commitlog.Options{
		NoSync: true,
		Now: func() time.Time {
			now = now.Add(time.Second)
			return now
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLog_appendAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commits.log")

	l := open(t, path)
	require.NoError(t, l.Append(commitlog.Record{Kind: commitlog.KindBegin, Scope: "a", Keys: []string{"c:foo"}}))
	require.NoError(t, l.Append(commitlog.Record{Kind: commitlog.KindPhase, Scope: "a", Phase: "additions"}))
	require.NoError(t, l.Append(commitlog.Record{Kind: commitlog.KindEnd, Scope: "a"}))
	require.NoError(t, l.Close())

	l = open(t, path)
	recs := l.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, commitlog.KindBegin, recs[0].Kind)
	assert.Equal(t, []string{"c:foo"}, recs[0].Keys)
	assert.Equal(t, "additions", recs[1].Phase)
	assert.True(t, recs[2].Time.Equal(start.Add(3*time.Second)), "got %v", recs[2].Time)
	assert.Empty(t, l.Unresolved())

	recs, err := commitlog.Read(path)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestLog_unresolved(t *testing.T) {
	l := open(t, filepath.Join(t.TempDir(), "commits.log"))
	for _, rec := range []commitlog.Record{
		{Kind: commitlog.KindBegin, Scope: "a"},
		{Kind: commitlog.KindBegin, Scope: "b"},
		{Kind: commitlog.KindPhase, Scope: "a", Phase: "additions"},
		{Kind: commitlog.KindFailed, Scope: "a", Phase: "removals", Err: "boom"},
		{Kind: commitlog.KindPhase, Scope: "b", Phase: "additions"},
		{Kind: commitlog.KindEnd, Scope: "b"},
		{Kind: commitlog.KindBegin, Scope: "c"},
		{Kind: commitlog.KindRolledBack, Scope: "c"},
	} {
		require.NoError(t, l.Append(rec))
	}

	un := l.Unresolved()
	require.Len(t, un, 1)
	assert.Equal(t, "a", un[0].Scope)
	assert.Equal(t, commitlog.KindFailed, un[0].Kind)
	assert.Equal(t, "removals", un[0].Phase)
	assert.Equal(t, "boom", un[0].Err)

	require.NoError(t, l.Append(commitlog.Record{Kind: commitlog.KindRolledBack, Scope: "a"}))
	assert.Empty(t, l.Unresolved())
}

func TestLog_trimsCorruptedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commits.log")
	l := open(t, path)
	require.NoError(t, l.Append(commitlog.Record{Kind: commitlog.KindBegin, Scope: "a"}))
	good := l.Size()
	require.NoError(t, l.Append(commitlog.Record{Kind: commitlog.KindEnd, Scope: "a"}))
	require.NoError(t, l.Close())

	// chop the last record in half
	stat, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, good+(stat.Size()-good)/2))

	l = open(t, path)
	assert.Equal(t, good, l.Size())
	recs := l.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, commitlog.KindBegin, recs[0].Kind)
	assert.Len(t, l.Unresolved(), 1)

	require.NoError(t, l.Append(commitlog.Record{Kind: commitlog.KindEnd, Scope: "a"}))
	require.NoError(t, l.Close())
	recs, err = commitlog.Read(path)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestLog_rejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "other.bin")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a commit log file"), 0o666))
	_, err := commitlog.Open(path, commitlog.Options{})
	require.ErrorIs(t, err, commitlog.ErrIncompatible)
}
