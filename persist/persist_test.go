package persist

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/notify/helpers"
	"github.com/temoto/notify/log2"
)

func testBackoff() *helpers.Backoff { return helpers.NewBackoff(time.Second, time.Minute, 2, 0) }

func TestPersistBackoff(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	root := t.TempDir()
	b := testBackoff()
	p, err := New("backoff", b, root, true, log)
	require.NoError(t, err)
	assert.True(t, p.Enabled())

	// nothing stored yet
	require.NoError(t, p.Load())
	assert.Equal(t, 0, b.Failures())

	b.Failure()
	b.Failure()
	b.Failure()
	require.NoError(t, p.Store())

	b2 := testBackoff()
	p2, err := New("backoff", b2, root, true, log)
	require.NoError(t, err)
	require.NoError(t, p2.Load())
	assert.Equal(t, 3, b2.Failures())
	assert.Equal(t, 8*time.Second, b2.Next())
}

func TestPersistDisabled(t *testing.T) {
	t.Parallel()

	b := testBackoff()
	b.Failure()
	p, err := New("backoff", b, "", false, log2.NewTest(t, log2.LDebug))
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Store())
	assert.NoError(t, p.Load())
	assert.Equal(t, 1, b.Failures())
}

func TestPersistInvalid(t *testing.T) {
	t.Parallel()

	_, err := New("backoff", testBackoff(), "", true, nil)
	assert.True(t, errors.IsNotValid(err))
	assert.Panics(t, func() { _, _ = New("backoff", nil, "", false, nil) })
}

func TestPersistCorrupt(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	b := testBackoff()
	b.Failure()
	p, err := New("backoff", b, root, true, log2.NewTest(t, log2.LDebug))
	require.NoError(t, err)
	require.NoError(t, p.Store())

	files, err := filepath.Glob(filepath.Join(root, "backoff", "*"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	for _, f := range files {
		require.NoError(t, os.WriteFile(f, []byte("garbage-garbage"), 0644))
	}

	b.Reset()
	require.NoError(t, p.Load())
	assert.Equal(t, 0, b.Failures())
}
