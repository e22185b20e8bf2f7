package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"unlock-server/internal/store/migrations"
	"unlock-server/internal/types"
)

// Postgres implements Store directly against the platform database.
type Postgres struct {
	db  *sql.DB
	sb  squirrel.StatementBuilderType
	now func() time.Time
}

// Open connects with the pgx driver and checks the connection.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return NewPostgres(db), nil
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{
		db:  db,
		sb:  squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		now: time.Now,
	}
}

// Migrate applies the embedded migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, p.db, "."); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// GetUser loads a user with role and grants.
func (p *Postgres) GetUser(ctx context.Context, pubkey string) (*types.User, error) {
	query, args, err := p.sb.
		Select("u.id", "u.pubkey", "u.privkey", "r.subscribed", "r.nwc",
			"r.subscription_start_date", "r.last_payment_at").
		From("users u").
		LeftJoin("roles r ON r.user_id = u.id").
		Where(squirrel.Eq{"u.pubkey": pubkey}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var (
		u          types.User
		privkey    sql.NullString
		subscribed sql.NullBool
		nwc        sql.NullString
		start      sql.NullTime
		lastPaid   sql.NullTime
	)
	err = p.db.QueryRowContext(ctx, query, args...).Scan(
		&u.ID, &u.PubKey, &privkey, &subscribed, &nwc, &start, &lastPaid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	u.PrivKey = privkey.String
	if subscribed.Valid {
		u.Role = &types.Role{
			Subscribed: subscribed.Bool,
			NWC:        nwc.String,
		}
		if start.Valid {
			u.Role.SubscriptionStartDate = &start.Time
		}
		if lastPaid.Valid {
			u.Role.LastPaymentAt = &lastPaid.Time
		}
	}

	if u.Purchased, err = p.purchases(ctx, u.ID); err != nil {
		return nil, err
	}
	return &u, nil
}

func (p *Postgres) purchases(ctx context.Context, userID string) ([]types.Purchase, error) {
	var out []types.Purchase
	for _, table := range []struct {
		name, column string
		course       bool
	}{
		{"course_purchases", "course_id", true},
		{"resource_purchases", "resource_id", false},
	} {
		query, args, err := p.sb.
			Select(table.column, "amount_paid").
			From(table.name).
			Where(squirrel.Eq{"user_id": userID}).
			OrderBy("created_at").
			ToSql()
		if err != nil {
			return nil, err
		}
		rows, err := p.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		for rows.Next() {
			var id string
			var amount int64
			if err := rows.Scan(&id, &amount); err != nil {
				rows.Close()
				return nil, fmt.Errorf("db error: %w", err)
			}
			if table.course {
				out = append(out, types.Purchase{CourseID: id, AmountPaid: amount})
			} else {
				out = append(out, types.Purchase{ResourceID: id, AmountPaid: amount})
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
	}
	return out, nil
}

// CreateUser registers pubkey if unknown and returns the stored user.
func (p *Postgres) CreateUser(ctx context.Context, pubkey string) (*types.User, error) {
	query, args, err := p.sb.
		Insert("users").
		Columns("id", "pubkey").
		Values(uuid.NewString(), pubkey).
		Suffix("ON CONFLICT (pubkey) DO NOTHING").
		ToSql()
	if err != nil {
		return nil, err
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return p.GetUser(ctx, pubkey)
}

// UpdateSubscription upserts the user's role. Subscribing records the payment
// time and keeps the original start date; cancelling clears the NWC URL.
func (p *Postgres) UpdateSubscription(ctx context.Context, userID string, subscribed bool, nwcURL string) error {
	var paidAt any
	if subscribed {
		paidAt = p.now().UTC()
	}
	query, args, err := p.sb.
		Insert("roles").
		Columns("user_id", "subscribed", "nwc", "subscription_start_date", "last_payment_at").
		Values(userID, subscribed, sql.NullString{String: nwcURL, Valid: nwcURL != ""}, paidAt, paidAt).
		Suffix(`ON CONFLICT (user_id) DO UPDATE SET
			subscribed = EXCLUDED.subscribed,
			nwc = EXCLUDED.nwc,
			subscription_start_date = COALESCE(roles.subscription_start_date, EXCLUDED.subscription_start_date),
			last_payment_at = COALESCE(EXCLUDED.last_payment_at, roles.last_payment_at)`).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// RecordCoursePurchase stores a course grant; repeats are ignored.
func (p *Postgres) RecordCoursePurchase(ctx context.Context, userID, courseID string, amountPaid int64) error {
	return p.grant(ctx, "course_purchases", "course_id", userID, courseID, amountPaid)
}

// RecordResourcePurchase stores a resource grant; repeats are ignored.
func (p *Postgres) RecordResourcePurchase(ctx context.Context, userID, resourceID string, amountPaid int64) error {
	return p.grant(ctx, "resource_purchases", "resource_id", userID, resourceID, amountPaid)
}

func (p *Postgres) grant(ctx context.Context, table, column, userID, itemID string, amountPaid int64) error {
	if userID == "" || itemID == "" {
		return errors.New("user and item are required")
	}
	query, args, err := p.sb.
		Insert(table).
		Columns("user_id", column, "amount_paid").
		Values(userID, itemID, amountPaid).
		Suffix("ON CONFLICT (user_id, " + column + ") DO NOTHING").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
