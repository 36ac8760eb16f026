package generation

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepository(sqlx.NewDb(db, "sqlmock")), mock
}

func Test_ReferenceImageIDs(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery("SELECT reference_image_ids FROM generations").
		WithArgs("gen-1").
		WillReturnRows(sqlmock.NewRows([]string{"reference_image_ids"}).
			AddRow([]byte(`{upload-1,upload-2,upload-3}`)))

	ids, err := repo.ReferenceImageIDs(context.Background(), "gen-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"upload-1", "upload-2", "upload-3"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func Test_ReferenceImageIDs_nullColumn(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery("SELECT reference_image_ids FROM generations").
		WithArgs("gen-2").
		WillReturnRows(sqlmock.NewRows([]string{"reference_image_ids"}).AddRow(nil))

	ids, err := repo.ReferenceImageIDs(context.Background(), "gen-2")
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
