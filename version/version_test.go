package version

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecsafe/internal/fs"
)

func newChecker(t *testing.T) (*Checker, string) {
	t.Helper()
	dir := t.TempDir()
	return NewChecker(fs.Default, dir, "1.2.3", nil), dir
}

func TestCheckFreshInstall(t *testing.T) {
	c, dir := newChecker(t)

	comp, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, comp.Compatible)
	assert.True(t, comp.FreshInstall)
	assert.Equal(t, CurrentFormatVersion, comp.FormatVersion)

	// The marker was written and a second check is a plain match.
	_, err = os.Stat(filepath.Join(dir, FileName))
	require.NoError(t, err)

	comp, err = c.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, comp.Compatible)
	assert.False(t, comp.FreshInstall)

	info, err := c.Load()
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", info.AppVersion)
	assert.False(t, info.CreatedAt.IsZero())
}

func TestCheckLegacyRootNeedsMigration(t *testing.T) {
	c, dir := newChecker(t)

	// Existing data but no marker: pre-marker layout.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "some-collection"), 0o755))

	comp, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, comp.Compatible)
	assert.True(t, comp.MigrationNeeded)
	assert.Equal(t, 1, comp.FormatVersion)
	assert.NotEmpty(t, comp.Issues) // no migration registered yet
}

func TestCheckNewerFormatRejected(t *testing.T) {
	c, _ := newChecker(t)
	require.NoError(t, c.Save(&Info{FormatVersion: CurrentFormatVersion + 5}))

	comp, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, comp.Compatible)
	assert.False(t, comp.MigrationNeeded)
	assert.NotEmpty(t, comp.Issues)

	err = c.Migrate(context.Background())
	require.ErrorIs(t, err, ErrIncompatible)
}

func TestMigrateRunsStepsInOrder(t *testing.T) {
	c, dir := newChecker(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "some-collection"), 0o755))

	var ran []int
	require.NoError(t, c.Register(Migration{
		FromVersion: 1,
		Description: "flatten layout",
		Apply: func(context.Context, fs.FileSystem, string) error {
			ran = append(ran, 1)
			return nil
		},
	}))

	require.NoError(t, c.Migrate(context.Background()))
	assert.Equal(t, []int{1}, ran)

	comp, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, comp.Compatible)
}

func TestMigrateStopsOnFailure(t *testing.T) {
	c, dir := newChecker(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "some-collection"), 0o755))

	boom := errors.New("boom")
	require.NoError(t, c.Register(Migration{
		FromVersion: 1,
		Apply: func(context.Context, fs.FileSystem, string) error {
			return boom
		},
	}))

	err := c.Migrate(context.Background())
	require.ErrorIs(t, err, boom)

	// Marker still absent: the failed step was not recorded.
	_, err = c.Load()
	require.True(t, os.IsNotExist(err))
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	c, _ := newChecker(t)
	m := Migration{
		FromVersion: 1,
		Apply:       func(context.Context, fs.FileSystem, string) error { return nil },
	}
	require.NoError(t, c.Register(m))
	require.Error(t, c.Register(m))
	require.Error(t, c.Register(Migration{FromVersion: 1}))
}

func TestCorruptMarker(t *testing.T) {
	c, dir := newChecker(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0o644))

	_, err := c.Check(context.Background())
	require.Error(t, err)
}
