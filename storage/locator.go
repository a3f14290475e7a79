package storage

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/snapflowio/reconcile/config"
	"github.com/snapflowio/reconcile/logger"
)

const loadFileMarker = "LOAD"

// FileDescriptor identifies one export file selected for a table.
type FileDescriptor struct {
	Key           string
	PartitionDate time.Time
	LoadFile      bool
}

// Locator enumerates candidate export files for a table under the
// configured bucket/prefix, honoring the configured mode.
type Locator struct {
	store ObjectStore
	cfg   *config.Config
}

func NewLocator(store ObjectStore, cfg *config.Config) *Locator {
	return &Locator{store: store, cfg: cfg}
}

// Locate returns the export files for one table, full-load files first,
// then CDC files by partition date ascending with lexical key order as
// the tie-break within a partition. Restartable: each call re-lists.
func (l *Locator) Locate(ctx context.Context, table string) ([]FileDescriptor, error) {
	if l.cfg.Mode == config.ModeAbsolutePath {
		files := make([]FileDescriptor, 0, len(l.cfg.AbsoluteKeys))
		for _, key := range l.cfg.AbsoluteKeys {
			files = append(files, FileDescriptor{
				Key:      key,
				LoadFile: strings.Contains(path.Base(key), loadFileMarker),
			})
		}
		return files, nil
	}

	tablePrefix := l.tablePrefix(table)

	objects, err := l.listWithRetry(ctx, tablePrefix)
	if err != nil {
		return nil, fmt.Errorf("locate files for table %s: %w", table, err)
	}

	files := make([]FileDescriptor, 0, len(objects))
	for _, obj := range objects {
		fd, keep, err := l.classify(obj.Key, tablePrefix)
		if err != nil {
			return nil, fmt.Errorf("locate files for table %s: %w", table, err)
		}
		if keep {
			files = append(files, fd)
		}
	}

	sortFiles(files)

	logger.Info("[locator] files selected", "table", table, "mode", l.cfg.Mode, "count", len(files))
	return files, nil
}

func (l *Locator) tablePrefix(table string) string {
	return fmt.Sprintf("%s/%s/%s/%s/", l.cfg.Prefix, l.cfg.Database, l.cfg.Schema, table)
}

func (l *Locator) listWithRetry(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object

	err := retry.Do(
		func() error {
			var listErr error
			objects, listErr = l.store.List(ctx, l.cfg.Bucket, prefix)
			return listErr
		},
		retry.Context(ctx),
		retry.Attempts(4),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("[locator] listing failed, retrying", "attempt", n+1, "prefix", prefix, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}

	return objects, nil
}

// classify decides whether a key under the table prefix is kept, and
// parses its partition date. Keys that are neither full-load files nor
// date-partitioned are malformed and fatal for the table.
func (l *Locator) classify(key, tablePrefix string) (FileDescriptor, bool, error) {
	rest := strings.TrimPrefix(key, tablePrefix)

	if strings.Contains(path.Base(key), loadFileMarker) {
		return FileDescriptor{Key: key, LoadFile: true}, l.cfg.Mode != config.ModeAbsolutePath, nil
	}

	if l.cfg.Mode == config.ModeFullLoadOnly {
		return FileDescriptor{}, false, nil
	}

	date, err := partitionDate(rest)
	if err != nil {
		return FileDescriptor{}, false, fmt.Errorf("malformed partition key %s: %w", key, err)
	}

	if !l.inDateRange(date) {
		return FileDescriptor{}, false, nil
	}

	return FileDescriptor{Key: key, PartitionDate: date}, true, nil
}

// inDateRange checks [start, stop] inclusively at day granularity: a
// file partitioned on the start or stop date is retained.
func (l *Locator) inDateRange(date time.Time) bool {
	start := truncateToDay(l.cfg.StartDate)
	if date.Before(start) {
		return false
	}

	if l.cfg.StopDate.IsZero() {
		return true
	}

	return !date.After(truncateToDay(l.cfg.StopDate))
}

func partitionDate(rest string) (time.Time, error) {
	parts := strings.Split(rest, "/")
	if len(parts) < 4 {
		return time.Time{}, fmt.Errorf("expected YYYY/MM/DD partition path, got %q", rest)
	}

	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid year %q", parts[0])
	}
	month, err := strconv.Atoi(parts[1])
	if err != nil || month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("invalid month %q", parts[1])
	}
	day, err := strconv.Atoi(parts[2])
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("invalid day %q", parts[2])
	}

	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
}

func truncateToDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func sortFiles(files []FileDescriptor) {
	sort.SliceStable(files, func(i, j int) bool {
		a, b := files[i], files[j]
		if a.LoadFile != b.LoadFile {
			return a.LoadFile
		}
		if a.LoadFile {
			return a.Key < b.Key
		}
		if !a.PartitionDate.Equal(b.PartitionDate) {
			return a.PartitionDate.Before(b.PartitionDate)
		}
		return a.Key < b.Key
	})
}
