package base

import (
	"context"
	"database/sql/driver"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tabulify/tabulify/pkg/compression"
	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/types"
)

func TestLifecycle(t *testing.T) {
	b := NewBase("mem", "memory", core.Capabilities{}, nil)
	assert.Equal(t, core.StateClosed, b.State())
	assert.Error(t, b.RequireOpen())

	opened, closed := 0, 0
	ctx := context.Background()
	require.NoError(t, b.Lifecycle.Open(ctx, func(context.Context) error { opened++; return nil }))
	require.NoError(t, b.Lifecycle.Open(ctx, func(context.Context) error { opened++; return nil }))
	assert.Equal(t, 1, opened)
	assert.NoError(t, b.RequireOpen())

	require.NoError(t, b.Lifecycle.Close(ctx, func(context.Context) error { closed++; return nil }))
	require.NoError(t, b.Lifecycle.Close(ctx, func(context.Context) error { closed++; return nil }))
	assert.Equal(t, 1, closed)
	assert.Equal(t, core.StateClosed, b.State())
}

func TestLifecycleOpenFailureStaysClosed(t *testing.T) {
	b := NewBase("db", "sql", core.Capabilities{}, nil)
	err := b.Lifecycle.Open(context.Background(), func(context.Context) error {
		return errors.New(errors.ErrorTypeAuthorizationDenied, "denied")
	})
	require.Error(t, err)
	assert.Equal(t, core.StateClosed, b.State())
}

func TestSessionLimiterNeverExceedsBound(t *testing.T) {
	l := NewSessionLimiter("db", 2)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Acquire(context.Background(), 1))
			time.Sleep(5 * time.Millisecond)
			l.Release(1)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, l.Peak(), int64(2))
	assert.Equal(t, int64(0), l.InUse())
}

func TestSessionLimiterRejectsDemandAboveBound(t *testing.T) {
	l := NewSessionLimiter("db", 1)
	err := l.Acquire(context.Background(), 2)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCapability))
	assert.Contains(t, err.Error(), "needs 2 sessions on connector db, which allows 1")
	assert.Equal(t, int64(0), l.InUse())

	require.NoError(t, l.Acquire(context.Background(), 1))
	l.Release(1)
	assert.Equal(t, int64(0), l.InUse())
}

func TestAcquireSessionsReleasesOnCancel(t *testing.T) {
	a := NewSessionLimiter("a", 1)
	b := NewSessionLimiter("b", 1)
	require.NoError(t, b.Acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := AcquireSessions(ctx, []SessionDemand{{Limiter: b, N: 1}, {Limiter: a, N: 1}})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCancelled))
	assert.Equal(t, int64(0), a.InUse(), "a was acquired first and must be released")

	b.Release(1)
	release, err := AcquireSessions(context.Background(), []SessionDemand{{Limiter: b, N: 1}, {Limiter: a, N: 1}})
	require.NoError(t, err)
	release()
	assert.Equal(t, int64(0), a.InUse())
	assert.Equal(t, int64(0), b.InUse())
}

func TestUnboundedLimiter(t *testing.T) {
	l := NewSessionLimiter("mem", 0)
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Acquire(context.Background(), 1))
	}
	assert.Equal(t, int64(100), l.InUse())
}

func TestReaderGate(t *testing.T) {
	g := NewReaderGate(false)
	leave, err := g.Enter(context.Background(), "t")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Enter(ctx, "t")
	assert.Error(t, err, "second reader on the same table must wait")

	other, err := g.Enter(context.Background(), "u")
	require.NoError(t, err)
	other()

	leave()
	leave()
	again, err := g.Enter(context.Background(), "t")
	require.NoError(t, err)
	again()

	concurrent := NewReaderGate(true)
	l1, err := concurrent.Enter(context.Background(), "t")
	require.NoError(t, err)
	l2, err := concurrent.Enter(context.Background(), "t")
	require.NoError(t, err)
	l1()
	l2()
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errors.ErrorType
	}{
		{"bad conn", fmt.Errorf("exec: %w", driver.ErrBadConn), errors.ErrorTypeConnectionLost},
		{"unexpected eof", io.ErrUnexpectedEOF, errors.ErrorTypeConnectionLost},
		{"net error", timeoutErr{}, errors.ErrorTypeConnectionLost},
		{"refused text", fmt.Errorf("dial: connection refused"), errors.ErrorTypeConnectionLost},
		{"auth text", fmt.Errorf("pq: password authentication failed for user"), errors.ErrorTypeAuthorizationDenied},
		{"missing table", fmt.Errorf("no such table: orders"), errors.ErrorTypeSchemaMismatch},
		{"cancelled", context.Canceled, errors.ErrorTypeCancelled},
		{"deadline", context.DeadlineExceeded, errors.ErrorTypeTimeout},
		{"other", fmt.Errorf("disk quota"), errors.ErrorTypeConnector},
		{"already typed", errors.New(errors.ErrorTypeConversion, "bad"), errors.ErrorTypeConversion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyError(tt.err, "op")
			assert.Equal(t, tt.want, errors.Classify(err))
		})
	}
	assert.NoError(t, ClassifyError(nil, "op"))
}

func TestFileStoreReplaceIsAtomic(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir, ".csv", compression.Gzip, true)
	require.NoError(t, s.Init())
	assert.False(t, s.Exists("orders"))

	sink, err := s.Create("orders", false)
	require.NoError(t, err)
	_, err = sink.Write([]byte("a,b\n"))
	require.NoError(t, err)
	assert.False(t, s.Exists("orders"), "nothing visible before commit")
	require.NoError(t, sink.Commit(nil))

	assert.FileExists(t, filepath.Join(dir, "orders.csv.gz"))
	r, err := s.OpenRead("orders")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "a,b\n", string(data))

	appendSink, err := s.Create("orders", true)
	require.NoError(t, err)
	assert.True(t, appendSink.Existing)
	_, err = appendSink.Write([]byte("c,d\n"))
	require.NoError(t, err)
	require.NoError(t, appendSink.Commit(nil))

	r, err = s.OpenRead("orders")
	require.NoError(t, err)
	data, err = io.ReadAll(r)
	require.NoError(t, err)
	r.Close()
	assert.Equal(t, "a,b\nc,d\n", string(data))
}

func readTable(t *testing.T, s *FileStore, table string) string {
	t.Helper()
	r, err := s.OpenRead(table)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func TestFileStoreSwitchesDataAndDefTogether(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir, ".csv", compression.None, true)
	require.NoError(t, s.Init())
	v1 := core.NewSchema(core.Column{Name: "id", Type: types.Of(types.Int64)})
	v2 := core.NewSchema(
		core.Column{Name: "id", Type: types.Of(types.Int64)},
		core.Column{Name: "name", Type: types.Of(types.Text), Nullable: true},
	)

	sink, err := s.Create("t", false)
	require.NoError(t, err)
	_, err = sink.Write([]byte("1\n"))
	require.NoError(t, err)
	require.NoError(t, sink.Commit(v1))

	next, err := s.Create("t", false)
	require.NoError(t, err)
	_, err = next.Write([]byte("1,a\n"))
	require.NoError(t, err)

	unlock := s.ReadLock("t")
	done := make(chan error, 1)
	go func() { done <- next.Commit(v2) }()

	// a reader holding the lock keeps seeing the first version whole
	assert.Never(t, func() bool { return len(done) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	def, ok, err := s.LoadDef("t")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, v1.Columns, def.Columns)
	assert.Equal(t, "1\n", readTable(t, s, "t"))
	unlock()

	require.NoError(t, <-done)
	def, ok, err = s.LoadDef("t")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, v2.Columns, def.Columns)
	assert.Equal(t, "1,a\n", readTable(t, s, "t"))
}

func TestFileStoreFailedSwitchRestoresDef(t *testing.T) {
	previous := core.NewSchema(core.Column{Name: "id", Type: types.Of(types.Int64)})
	next := core.NewSchema(core.Column{Name: "code", Type: types.Of(types.Text)})

	tests := []struct {
		name    string
		prior   *core.Schema
		wantDef bool
	}{
		{name: "previous definition put back", prior: previous, wantDef: true},
		{name: "no previous definition", prior: nil, wantDef: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			s := NewFileStore(dir, ".csv", compression.None, true)
			require.NoError(t, s.Init())
			if tt.prior != nil {
				require.NoError(t, s.SaveDef("t", tt.prior))
			}
			// a non-empty directory where the data file goes makes the
			// data rename fail after the definition switched
			blocker := filepath.Join(dir, "t.csv")
			require.NoError(t, os.MkdirAll(filepath.Join(blocker, "x"), 0o755))

			sink, err := s.Create("t", false)
			require.NoError(t, err)
			_, err = sink.Write([]byte("a\n"))
			require.NoError(t, err)
			require.Error(t, sink.Commit(next))

			def, ok, err := s.LoadDef("t")
			require.NoError(t, err)
			assert.Equal(t, tt.wantDef, ok)
			if tt.wantDef {
				assert.Equal(t, tt.prior.Columns, def.Columns)
			}
			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			for _, e := range entries {
				assert.NotContains(t, e.Name(), ".tmp", "temp files are cleaned up")
			}
		})
	}
}

func TestFileStoreAbortLeavesNoTrace(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir, ".jsonl", compression.None, false)
	require.NoError(t, s.Init())

	sink, err := s.Create("events", false)
	require.NoError(t, err)
	_, err = sink.Write([]byte("{}\n"))
	require.NoError(t, err)
	require.NoError(t, sink.Abort())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileStoreTablesAndDef(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir, ".csv", compression.None, true)
	require.NoError(t, s.Init())
	for _, name := range []string{"b.csv", "a.csv.zst", "notes.txt", ".hidden.csv"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	names, err := s.Tables(core.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	names, err = s.Tables(core.Filter{Pattern: "a*"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, names)

	_, ok, err := s.LoadDef("a")
	require.NoError(t, err)
	assert.False(t, ok)

	schema := core.NewSchema(
		core.Column{Name: "id", Type: types.Of(types.Int64)},
		core.Column{Name: "doc", Type: types.Of(types.Binary), Nullable: true, ContentType: "application/pdf"},
	)
	require.NoError(t, s.SaveDef("a", schema))
	got, ok, err := s.LoadDef("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, schema.Columns, got.Columns)
}

func TestFileStoreMissingDirectory(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "missing"), ".csv", compression.None, false)
	err := s.Init()
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestProgressReporter(t *testing.T) {
	pr := NewProgressReporter(zaptest.NewLogger(t), time.Nanosecond)
	pr.Add(5)
	pr.Add(7)
	assert.Equal(t, int64(12), pr.Processed())
	assert.Equal(t, int64(12), pr.Finish())
}

func TestTablesSequenceIsRestartable(t *testing.T) {
	calls := 0
	seq := Tables(nil, func() ([]string, error) {
		calls++
		return []string{"x", "y"}, nil
	})
	for range 2 {
		var names []string
		for ref, err := range seq {
			require.NoError(t, err)
			names = append(names, ref.Name())
		}
		assert.Equal(t, []string{"x", "y"}, names)
	}
	assert.Equal(t, 2, calls)
}
