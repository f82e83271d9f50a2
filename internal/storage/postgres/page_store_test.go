package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/kb-ingester/internal/crawler"
)

func ptr[T any](v T) *T {
	return &v
}

func TestRecordPageInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPageStoreWithPool(mock, "crawl_pages")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := crawler.PageRecord{
		JobID:      "job-1",
		URL:        "https://example.com/docs",
		FinalURL:   "https://example.com/docs/",
		Outcome:    crawler.FetchOK,
		StatusCode: 200,
		Fragments:  4,
		Links:      2,
		Attempts:   1,
		FetchedAt:  now,
		DurationMs: 42,
		Submission: &crawler.SubmissionOutcome{
			URL:          "https://example.com/docs",
			DocumentName: "docs",
			Success:      false,
			StatusCode:   500,
			Error:        "kb returned status 500",
		},
	}

	mock.ExpectExec("INSERT INTO crawl_pages").
		WithArgs(
			"job-1",
			"https://example.com/docs",
			ptr("https://example.com/docs/"),
			"ok",
			ptr(200),
			(*string)(nil),
			4,
			2,
			1,
			now,
			int64(42),
			ptr("docs"),
			false,
			ptr(500),
			ptr("kb returned status 500"),
			(*string)(nil),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordPage(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordPageWithoutSubmission(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPageStoreWithPool(mock, "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := crawler.PageRecord{
		JobID:      "job-1",
		URL:        "https://example.com/missing",
		Outcome:    crawler.FetchSkipped,
		StatusCode: 404,
		Reason:     "status 404",
		Attempts:   1,
		FetchedAt:  now,
	}

	mock.ExpectExec("INSERT INTO crawl_pages").
		WithArgs(
			"job-1",
			"https://example.com/missing",
			(*string)(nil),
			"skipped",
			ptr(404),
			ptr("status 404"),
			0,
			0,
			1,
			now,
			int64(0),
			(*string)(nil),
			false,
			(*int)(nil),
			(*string)(nil),
			(*string)(nil),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordPage(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordPageWrapsExecError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPageStoreWithPool(mock, "crawl_pages")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO crawl_pages").WillReturnError(errors.New("connection reset"))

	err = store.RecordPage(context.Background(), crawler.PageRecord{JobID: "j", URL: "u", Outcome: crawler.FetchError})
	require.ErrorContains(t, err, "insert page: connection reset")
}

func TestRecordPageValidatesInput(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPageStoreWithPool(mock, "crawl_pages")
	require.NoError(t, err)
	require.Error(t, store.RecordPage(context.Background(), crawler.PageRecord{URL: "u"}))

	var nilStore *PageStore
	require.Error(t, nilStore.RecordPage(context.Background(), crawler.PageRecord{JobID: "j", URL: "u"}))
	nilStore.Close()
}

func TestEnsureSchemaAndPing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPageStoreWithPool(mock, "audit_pages")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_pages").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectPing()

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewPageStoreWithPoolRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := NewPageStoreWithPool(nil, "crawl_pages")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewPageStoreWithPool(mock, "pages; DROP TABLE users")
	require.ErrorContains(t, err, "invalid table name")
}

func TestNewPageStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewPageStore(context.Background(), PageStoreConfig{})
	require.ErrorContains(t, err, "db.dsn is required")
}
