package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

type fakeResult struct {
	rowsAffected int64
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

// Executor インターフェースに対するモック実装
type mockExecutor struct {
	mu     sync.Mutex
	calls  int
	query  string
	args   []interface{}
	result sql.Result
	err    error
}

func (m *mockExecutor) ExecContext(_ context.Context, query string, args ...interface{}) (sql.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.query = query
	m.args = args
	return m.result, m.err
}

func (m *mockExecutor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newJob(exec Executor, buf *bytes.Buffer) *CleanupJob {
	job := NewCleanupJob(exec, newTestLogger(buf))
	job.now = func() time.Time { return fixedNow }
	return job
}

// findLogField はJSONログ行から指定キーを持つ最初のエントリの値を返す。
func findLogField(t *testing.T, buf *bytes.Buffer, key string) (interface{}, bool) {
	t.Helper()
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if v, ok := entry[key]; ok {
			return v, true
		}
	}
	return nil, false
}

func TestCleanupJob_Run_DeletesExpiredRevokedTokens(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{result: &fakeResult{rowsAffected: 5}}

	if err := newJob(mock, &buf).Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	if !strings.Contains(mock.query, "DELETE FROM revoked_tokens") {
		t.Errorf("query does not delete from revoked_tokens: %s", mock.query)
	}
	if !strings.Contains(mock.query, "expires_at") {
		t.Errorf("query does not filter on expires_at: %s", mock.query)
	}
	if len(mock.args) != 1 {
		t.Fatalf("args = %v, want one cutoff", mock.args)
	}
	if cutoff, ok := mock.args[0].(time.Time); !ok || !cutoff.Equal(fixedNow) {
		t.Errorf("cutoff = %v, want %v", mock.args[0], fixedNow)
	}
}

func TestCleanupJob_Run_AppliesGrace(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{result: &fakeResult{}}
	job := newJob(mock, &buf)
	job.Grace = 24 * time.Hour

	_ = job.Run(context.Background())

	want := fixedNow.Add(-24 * time.Hour)
	if cutoff, ok := mock.args[0].(time.Time); !ok || !cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", mock.args[0], want)
	}
}

func TestCleanupJob_Run_LogsDeletedCount(t *testing.T) {
	for _, rows := range []int64{0, 42} {
		var buf bytes.Buffer
		mock := &mockExecutor{result: &fakeResult{rowsAffected: rows}}

		_ = newJob(mock, &buf).Run(context.Background())

		count, ok := findLogField(t, &buf, "deleted_count")
		if !ok || count != float64(rows) {
			t.Errorf("deleted_count = %v, want %d (log: %s)", count, rows, buf.String())
		}
		if _, ok := findLogField(t, &buf, "duration_ms"); !ok {
			t.Errorf("duration_ms missing (log: %s)", buf.String())
		}
	}
}

func TestCleanupJob_Run_ReturnsErrorOnDBFailure(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{err: sql.ErrConnDone}

	err := newJob(mock, &buf).Run(context.Background())
	if err == nil {
		t.Fatal("expected error on DB failure")
	}
	if !strings.Contains(err.Error(), "sql: connection is already closed") {
		t.Errorf("error = %v", err)
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("error should be logged at ERROR level: %s", buf.String())
	}
}

func TestCleanupJob_Run_Idempotent(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{result: &fakeResult{}}
	job := newJob(mock, &buf)

	for i := 0; i < 2; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("run %d returned error: %v", i+1, err)
		}
	}
}

func TestCleanupJob_Run_WithSQLMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`DELETE FROM revoked_tokens WHERE expires_at < \$1`).
		WithArgs(fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 3))

	var buf bytes.Buffer
	if err := newJob(db, &buf).Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCleanupJob_Start_RunsImmediatelyAndStops(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{result: &fakeResult{}}
	job := newJob(mock, &buf)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, 20*time.Millisecond)
		close(done)
	}()

	time.Sleep(70 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}

	if got := mock.callCount(); got < 2 {
		t.Errorf("Run called %d times, want at least 2", got)
	}
}
