package storage

import (
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/baristalab/api/telegram-notify-relay/internal/model"
)

func sampleEvent() model.AuditEvent {
	return model.AuditEvent{
		Type:        "SECURITY",
		ItemID:      "login-42",
		Description: "failed login attempt",
		Severity:    model.SeverityCritical,
	}
}

func TestShouldNotify_BlockedFingerprint(t *testing.T) {
	mockDB, mock, repo := setupMockDB(t)
	defer mockDB.Close()

	ev := sampleEvent()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS (SELECT 1 FROM dedup_records WHERE event_hash = $1`)).
		WithArgs(ev.Fingerprint()).
		WillReturnRows(sqlmock.NewRows([]string{"blocked"}).AddRow(true))
	mock.ExpectCommit()

	allowed, err := repo.Dedup().ShouldNotify(testCtx(t), ev, nil)

	require.NoError(t, err)
	assert.False(t, allowed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestShouldNotify_NewFingerprintIsRecorded(t *testing.T) {
	mockDB, mock, repo := setupMockDB(t)
	defer mockDB.Close()

	ev := sampleEvent()
	until := time.Now().Add(5 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS (SELECT 1 FROM dedup_records WHERE event_hash = $1`)).
		WithArgs(ev.Fingerprint()).
		WillReturnRows(sqlmock.NewRows([]string{"blocked"}).AddRow(false))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO dedup_records`)).
		WithArgs(ev.Fingerprint(), ev.Type, ev.ItemID, ev.Description, until).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	allowed, err := repo.Dedup().ShouldNotify(testCtx(t), ev, &until)

	require.NoError(t, err)
	assert.True(t, allowed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestShouldNotify_NilSilenceBlocksForever(t *testing.T) {
	mockDB, mock, repo := setupMockDB(t)
	defer mockDB.Close()

	ev := sampleEvent()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS (SELECT 1 FROM dedup_records WHERE event_hash = $1`)).
		WithArgs(ev.Fingerprint()).
		WillReturnRows(sqlmock.NewRows([]string{"blocked"}).AddRow(false))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO dedup_records`)).
		WithArgs(ev.Fingerprint(), ev.Type, ev.ItemID, ev.Description, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	allowed, err := repo.Dedup().ShouldNotify(testCtx(t), ev, nil)

	require.NoError(t, err)
	assert.True(t, allowed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetSilence(t *testing.T) {
	mockDB, mock, repo := setupMockDB(t)
	defer mockDB.Close()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE dedup_records SET silence_until = NOW() + make_interval(secs => $1) WHERE event_type = $2`)).
		WithArgs(float64(3600), "SECURITY").
		WillReturnResult(sqlmock.NewResult(0, 6))

	count, err := repo.Dedup().SetSilence(testCtx(t), "SECURITY", time.Hour)

	require.NoError(t, err)
	assert.Equal(t, int64(6), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClearSilence(t *testing.T) {
	mockDB, mock, repo := setupMockDB(t)
	defer mockDB.Close()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE dedup_records SET silence_until = NULL WHERE event_type = $1`)).
		WithArgs("SECURITY").
		WillReturnResult(sqlmock.NewResult(0, 6))

	count, err := repo.Dedup().ClearSilence(testCtx(t), "SECURITY")

	require.NoError(t, err)
	assert.Equal(t, int64(6), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsTypeSilenced(t *testing.T) {
	mockDB, mock, repo := setupMockDB(t)
	defer mockDB.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS (SELECT 1 FROM dedup_records WHERE event_type = $1`)).
		WithArgs("PERFMON").
		WillReturnRows(sqlmock.NewRows([]string{"silenced"}).AddRow(true))

	silenced, err := repo.Dedup().IsTypeSilenced(testCtx(t), "PERFMON")

	require.NoError(t, err)
	assert.True(t, silenced)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanExpiredSilence(t *testing.T) {
	mockDB, mock, repo := setupMockDB(t)
	defer mockDB.Close()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE dedup_records SET silence_until = NULL WHERE silence_until IS NOT NULL AND silence_until <= NOW()`)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	count, err := repo.Dedup().CleanExpiredSilence(testCtx(t))

	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanOldDedup(t *testing.T) {
	mockDB, mock, repo := setupMockDB(t)
	defer mockDB.Close()

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM dedup_records WHERE created_at <= NOW() - make_interval(days => $1)`)).
		WithArgs(30).
		WillReturnResult(sqlmock.NewResult(0, 15))

	count, err := repo.Dedup().CleanOld(testCtx(t), 30)

	require.NoError(t, err)
	assert.Equal(t, int64(15), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDedupStats(t *testing.T) {
	mockDB, mock, repo := setupMockDB(t)
	defer mockDB.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM dedup_records`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(120))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM dedup_records WHERE silence_until IS NOT NULL`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT event_type, COUNT(*) AS cnt FROM dedup_records GROUP BY event_type`)).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"event_type", "cnt"}).
			AddRow("SECURITY", 80).
			AddRow("ERROR", 30))

	stats, err := repo.Dedup().Stats(testCtx(t), 10)

	require.NoError(t, err)
	assert.Equal(t, int64(120), stats.TotalRecords)
	assert.Equal(t, int64(4), stats.ActiveSilences)
	require.Len(t, stats.TopEventTypes, 2)
	assert.Equal(t, "SECURITY", stats.TopEventTypes[0].EventType)
	assert.Equal(t, int64(80), stats.TopEventTypes[0].Count)
	assert.NoError(t, mock.ExpectationsWereMet())
}