package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapflowio/reconcile/config"
)

// fakeStore serves listings from a fixed key set and can fail the first
// N calls to exercise the retry path.
type fakeStore struct {
	keys     []string
	failures int
	calls    int
}

func (f *fakeStore) List(_ context.Context, _ string, prefix string) ([]Object, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection reset by peer")
	}

	var objects []Object
	for _, key := range f.keys {
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, Object{Key: key})
		}
	}
	return objects, nil
}

func (f *fakeStore) Fetch(context.Context, string, string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func locatorConfig(opts ...config.Option) *config.Config {
	base := []config.Option{
		config.WithBucket("exports"),
		config.WithPrefix("data/landing"),
		config.WithDatabase("appdb"),
		config.WithSchema("public"),
	}
	cfg := config.NewConfig(append(base, opts...)...)
	cfg.SetDefault()
	return cfg
}

func keysOf(files []FileDescriptor) []string {
	keys := make([]string, len(files))
	for i, f := range files {
		keys[i] = f.Key
	}
	return keys
}

func TestLocate_DateRangeIsInclusive(t *testing.T) {
	store := &fakeStore{keys: []string{
		"data/landing/appdb/public/users/LOAD00000001.parquet",
		"data/landing/appdb/public/users/2024/02/13/20240213-120000000.parquet",
		"data/landing/appdb/public/users/2024/02/14/20240214-120000000.parquet",
		"data/landing/appdb/public/users/2024/02/15/20240215-120000000.parquet",
		"data/landing/appdb/public/users/2024/02/16/20240216-120000000.parquet",
	}}

	cfg := locatorConfig(config.WithDateRange(
		time.Date(2024, 2, 14, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC),
	))

	files, err := NewLocator(store, cfg).Locate(context.Background(), "users")

	require.NoError(t, err)
	assert.Equal(t, []string{
		"data/landing/appdb/public/users/LOAD00000001.parquet",
		"data/landing/appdb/public/users/2024/02/14/20240214-120000000.parquet",
		"data/landing/appdb/public/users/2024/02/15/20240215-120000000.parquet",
	}, keysOf(files))
}

func TestLocate_OpenEndedRange(t *testing.T) {
	store := &fakeStore{keys: []string{
		"data/landing/appdb/public/users/2024/02/13/a.parquet",
		"data/landing/appdb/public/users/2024/02/20/b.parquet",
	}}

	cfg := locatorConfig(config.WithDateRange(
		time.Date(2024, 2, 14, 0, 0, 0, 0, time.UTC),
		time.Time{},
	))

	files, err := NewLocator(store, cfg).Locate(context.Background(), "users")

	require.NoError(t, err)
	assert.Equal(t, []string{"data/landing/appdb/public/users/2024/02/20/b.parquet"}, keysOf(files))
}

func TestLocate_LoadFilesFirstThenDateOrder(t *testing.T) {
	store := &fakeStore{keys: []string{
		"data/landing/appdb/public/users/2024/02/15/z.parquet",
		"data/landing/appdb/public/users/2024/02/14/b.parquet",
		"data/landing/appdb/public/users/2024/02/14/a.parquet",
		"data/landing/appdb/public/users/LOAD00000002.parquet",
		"data/landing/appdb/public/users/LOAD00000001.parquet",
	}}

	cfg := locatorConfig(config.WithDateRange(
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		time.Time{},
	))

	files, err := NewLocator(store, cfg).Locate(context.Background(), "users")

	require.NoError(t, err)
	assert.Equal(t, []string{
		"data/landing/appdb/public/users/LOAD00000001.parquet",
		"data/landing/appdb/public/users/LOAD00000002.parquet",
		"data/landing/appdb/public/users/2024/02/14/a.parquet",
		"data/landing/appdb/public/users/2024/02/14/b.parquet",
		"data/landing/appdb/public/users/2024/02/15/z.parquet",
	}, keysOf(files))

	assert.True(t, files[0].LoadFile)
	assert.True(t, files[1].LoadFile)
	assert.False(t, files[2].LoadFile)
	assert.Equal(t, time.Date(2024, 2, 14, 0, 0, 0, 0, time.UTC), files[2].PartitionDate)
}

func TestLocate_FullLoadOnlySkipsCDCFiles(t *testing.T) {
	store := &fakeStore{keys: []string{
		"data/landing/appdb/public/users/LOAD00000001.parquet",
		"data/landing/appdb/public/users/2024/02/14/a.parquet",
	}}

	cfg := locatorConfig(config.WithMode(config.ModeFullLoadOnly))

	files, err := NewLocator(store, cfg).Locate(context.Background(), "users")

	require.NoError(t, err)
	assert.Equal(t, []string{"data/landing/appdb/public/users/LOAD00000001.parquet"}, keysOf(files))
}

func TestLocate_AbsolutePathMode(t *testing.T) {
	store := &fakeStore{}

	cfg := locatorConfig(
		config.WithMode(config.ModeAbsolutePath),
		config.WithAbsoluteKeys([]string{
			"elsewhere/LOAD00000001.parquet",
			"elsewhere/2024/02/14/a.parquet",
		}),
	)

	files, err := NewLocator(store, cfg).Locate(context.Background(), "users")

	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.True(t, files[0].LoadFile)
	assert.False(t, files[1].LoadFile)
	assert.Zero(t, store.calls, "absolute-path mode must not list")
}

func TestLocate_MalformedPartitionKey(t *testing.T) {
	store := &fakeStore{keys: []string{
		"data/landing/appdb/public/users/garbage.parquet",
	}}

	cfg := locatorConfig(config.WithDateRange(
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		time.Time{},
	))

	_, err := NewLocator(store, cfg).Locate(context.Background(), "users")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed partition key")
}

func TestLocate_RetriesListingFailures(t *testing.T) {
	store := &fakeStore{
		keys:     []string{"data/landing/appdb/public/users/LOAD00000001.parquet"},
		failures: 2,
	}

	cfg := locatorConfig(config.WithDateRange(
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		time.Time{},
	))

	files, err := NewLocator(store, cfg).Locate(context.Background(), "users")

	require.NoError(t, err)
	assert.Len(t, files, 1)
	assert.Equal(t, 3, store.calls)
}

func TestLocate_ListingFailsWhenRetriesExhaust(t *testing.T) {
	store := &fakeStore{failures: 10}

	cfg := locatorConfig(config.WithDateRange(
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		time.Time{},
	))

	_, err := NewLocator(store, cfg).Locate(context.Background(), "users")

	require.Error(t, err)
	assert.Equal(t, 4, store.calls)
}
