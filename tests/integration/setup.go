// Package integration holds tests that exercise the PostgreSQL stores
// against a real database started with testcontainers.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/promo-engine/internal/domain/coupon"
	"github.com/xenking/promo-engine/internal/storage/postgres"
)

// setupPool starts a PostgreSQL container, applies the schema, and returns a
// ready pool. The container and pool are cleaned up with the test.
func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("promo_test"),
		tcpostgres.WithUsername("promo"),
		tcpostgres.WithPassword("promo"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	pool, err := postgres.NewPool(ctx, connStr)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("ping database: %v", err)
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	return pool
}

// couponSpec describes a coupon row for seeding.
type couponSpec struct {
	code         string
	discountType coupon.DiscountType
	value        decimal.Decimal
	startsAt     time.Time
	endsAt       time.Time
	usageLimit   *int
	perUserLimit *int
	active       bool
}

// seedCoupon inserts one coupon and returns its generated id.
func seedCoupon(t *testing.T, pool *pgxpool.Pool, spec couponSpec) string {
	t.Helper()

	id := uuid.New().String()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO coupons
			(id, code, discount_type, discount_value, starts_at, ends_at,
			 usage_limit, per_user_limit, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, spec.code, string(spec.discountType), spec.value,
		spec.startsAt, spec.endsAt, spec.usageLimit, spec.perUserLimit, spec.active,
	)
	if err != nil {
		t.Fatalf("seed coupon %s: %v", spec.code, err)
	}
	return id
}

func activeCoupon(code string, usageLimit *int) couponSpec {
	return couponSpec{
		code:         code,
		discountType: coupon.DiscountPercentage,
		value:        decimal.NewFromInt(10),
		startsAt:     time.Now().Add(-time.Hour),
		endsAt:       time.Now().Add(24 * time.Hour),
		usageLimit:   usageLimit,
		active:       true,
	}
}

func intPtr(v int) *int { return &v }
