package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"unlock-server/internal/types"
)

const (
	selectUserQ     = `(?s)^SELECT u\.id, u\.pubkey, u\.privkey, r\.subscribed, r\.nwc, r\.subscription_start_date, r\.last_payment_at FROM users u LEFT JOIN roles r ON r\.user_id = u\.id WHERE u\.pubkey = \$1$`
	selectCoursesQ  = `(?s)^SELECT course_id, amount_paid FROM course_purchases WHERE user_id = \$1 ORDER BY created_at$`
	selectResourceQ = `(?s)^SELECT resource_id, amount_paid FROM resource_purchases WHERE user_id = \$1 ORDER BY created_at$`
)

var userCols = []string{"id", "pubkey", "privkey", "subscribed", "nwc", "subscription_start_date", "last_payment_at"}

func newStoreWithMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	p := NewPostgres(db)
	p.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	return p, mock
}

func TestGetUserWithRoleAndGrants(t *testing.T) {
	p, mock := newStoreWithMock(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(selectUserQ).WithArgs("pk1").WillReturnRows(
		sqlmock.NewRows(userCols).AddRow("u1", "pk1", nil, true, "nostr+walletconnect://x", start, start))
	mock.ExpectQuery(selectCoursesQ).WithArgs("u1").WillReturnRows(
		sqlmock.NewRows([]string{"course_id", "amount_paid"}).AddRow("c1", int64(50000)))
	mock.ExpectQuery(selectResourceQ).WithArgs("u1").WillReturnRows(
		sqlmock.NewRows([]string{"resource_id", "amount_paid"}).AddRow("r1", int64(21)))

	u, err := p.GetUser(context.Background(), "pk1")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	require.NotNil(t, u.Role)
	assert.True(t, u.Role.Subscribed)
	assert.Equal(t, "nostr+walletconnect://x", u.Role.NWC)
	assert.Equal(t, start, *u.Role.SubscriptionStartDate)
	assert.Equal(t, []types.Purchase{{CourseID: "c1", AmountPaid: 50000}, {ResourceID: "r1", AmountPaid: 21}}, u.Purchased)
	assert.True(t, u.HasCoursePurchase("c1"))
	assert.True(t, u.HasResourcePurchase("r1"))
}

func TestGetUserWithoutRole(t *testing.T) {
	p, mock := newStoreWithMock(t)

	mock.ExpectQuery(selectUserQ).WithArgs("pk1").WillReturnRows(
		sqlmock.NewRows(userCols).AddRow("u1", "pk1", "privhex", nil, nil, nil, nil))
	mock.ExpectQuery(selectCoursesQ).WithArgs("u1").WillReturnRows(sqlmock.NewRows([]string{"course_id", "amount_paid"}))
	mock.ExpectQuery(selectResourceQ).WithArgs("u1").WillReturnRows(sqlmock.NewRows([]string{"resource_id", "amount_paid"}))

	u, err := p.GetUser(context.Background(), "pk1")
	require.NoError(t, err)
	assert.Nil(t, u.Role)
	assert.False(t, u.Subscribed())
	assert.Equal(t, "privhex", u.PrivKey)
	assert.Empty(t, u.Purchased)
}

func TestGetUserNotFound(t *testing.T) {
	p, mock := newStoreWithMock(t)
	mock.ExpectQuery(selectUserQ).WithArgs("nobody").WillReturnError(sql.ErrNoRows)

	_, err := p.GetUser(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetUserDBError(t *testing.T) {
	p, mock := newStoreWithMock(t)
	mock.ExpectQuery(selectUserQ).WithArgs("pk").WillReturnError(errors.New("db down"))

	_, err := p.GetUser(context.Background(), "pk")
	assert.ErrorContains(t, err, "db error: db down")
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestCreateUserIsIdempotent(t *testing.T) {
	p, mock := newStoreWithMock(t)

	mock.ExpectExec(`^INSERT INTO users \(id,pubkey\) VALUES \(\$1,\$2\) ON CONFLICT \(pubkey\) DO NOTHING$`).
		WithArgs(sqlmock.AnyArg(), "pk1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(selectUserQ).WithArgs("pk1").WillReturnRows(
		sqlmock.NewRows(userCols).AddRow("u1", "pk1", nil, nil, nil, nil, nil))
	mock.ExpectQuery(selectCoursesQ).WithArgs("u1").WillReturnRows(sqlmock.NewRows([]string{"course_id", "amount_paid"}))
	mock.ExpectQuery(selectResourceQ).WithArgs("u1").WillReturnRows(sqlmock.NewRows([]string{"resource_id", "amount_paid"}))

	u, err := p.CreateUser(context.Background(), "pk1")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
}

func TestUpdateSubscription(t *testing.T) {
	p, mock := newStoreWithMock(t)
	paid := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	upsert := `(?s)^INSERT INTO roles \(user_id,subscribed,nwc,subscription_start_date,last_payment_at\) VALUES \(\$1,\$2,\$3,\$4,\$5\) ON CONFLICT \(user_id\) DO UPDATE SET.*COALESCE\(roles\.subscription_start_date`
	mock.ExpectExec(upsert).
		WithArgs("u1", true, "nostr+walletconnect://x", paid, paid).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(upsert).
		WithArgs("u1", false, nil, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.UpdateSubscription(context.Background(), "u1", true, "nostr+walletconnect://x"))
	require.NoError(t, p.UpdateSubscription(context.Background(), "u1", false, ""))
}

func TestRecordPurchases(t *testing.T) {
	p, mock := newStoreWithMock(t)

	mock.ExpectExec(`^INSERT INTO course_purchases \(user_id,course_id,amount_paid\) VALUES \(\$1,\$2,\$3\) ON CONFLICT \(user_id, course_id\) DO NOTHING$`).
		WithArgs("u1", "c1", int64(50000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`^INSERT INTO course_purchases .* DO NOTHING$`).
		WithArgs("u1", "c1", int64(50000)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`^INSERT INTO resource_purchases \(user_id,resource_id,amount_paid\) VALUES \(\$1,\$2,\$3\) ON CONFLICT \(user_id, resource_id\) DO NOTHING$`).
		WithArgs("u1", "r1", int64(21)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	require.NoError(t, p.RecordCoursePurchase(ctx, "u1", "c1", 50000))
	require.NoError(t, p.RecordCoursePurchase(ctx, "u1", "c1", 50000), "repeat is a no-op")
	require.NoError(t, p.RecordResourcePurchase(ctx, "u1", "r1", 21))
}

func TestRecordPurchaseValidation(t *testing.T) {
	p, _ := newStoreWithMock(t)
	assert.Error(t, p.RecordCoursePurchase(context.Background(), "", "c1", 1))
	assert.Error(t, p.RecordResourcePurchase(context.Background(), "u1", "", 1))
}

func TestRecordPurchaseDBError(t *testing.T) {
	p, mock := newStoreWithMock(t)
	mock.ExpectExec(`^INSERT INTO course_purchases`).WillReturnError(errors.New("conn reset"))

	err := p.RecordCoursePurchase(context.Background(), "u1", "c1", 1)
	assert.ErrorContains(t, err, "db error: conn reset")
}
