package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tenderscan/internal/crawler"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewWithPool(mock, "")
	require.NoError(t, err)
	s.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	return s, mock
}

func TestNewWithPoolValidates(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, "state; DROP TABLE x")
	require.Error(t, err)
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestLoadBuildsState(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT item_id, hit FROM crawl_state").
		WillReturnRows(mock.NewRows([]string{"item_id", "hit"}).
			AddRow("T-1", false).
			AddRow("T-2", true))

	st, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"T-1", "T-2"}, st.SortedVisited())
	assert.Equal(t, []string{"T-2"}, st.SortedHits())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadQueryFailure(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT item_id, hit FROM crawl_state").WillReturnError(errors.New("connection refused"))

	_, err := s.Load(context.Background())
	require.ErrorContains(t, err, "connection refused")
}

func TestSaveUpsertsSnapshotInTransaction(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	st := crawler.NewCrawlState()
	st.MarkVisited("T-2", true)
	st.MarkVisited("T-1", false)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO crawl_state").
		WithArgs([]string{"T-1", "T-2"}, []bool{false, true}, time.Unix(1700000000, 0).UTC()).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	require.NoError(t, s.Save(context.Background(), st))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	st := crawler.NewCrawlState()
	st.MarkVisited("T-1", false)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO crawl_state").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	require.ErrorContains(t, s.Save(context.Background(), st), "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveEmptyStateIsNoop(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	require.NoError(t, s.Save(context.Background(), crawler.NewCrawlState()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetAndSchema(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_state").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("TRUNCATE crawl_state").WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, s.Reset(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
