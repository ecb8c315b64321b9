// Command coupon-ingest bulk-imports campaign code lists into the coupons
// table. Each input file is a gzip-compressed list of codes, one per line;
// every imported code becomes a coupon sharing the discount template given
// on the command line. Duplicate codes across files are dropped with a
// bloom filter; the database's ON CONFLICT guard catches the filter's
// false negatives.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/promo-engine/internal/domain/coupon"
	"github.com/xenking/promo-engine/internal/storage/postgres"
)

const (
	bloomCapacity = 10_000_000
	bloomFPR      = 0.0001
	minCodeLen    = 4
	maxCodeLen    = 32
	batchSize     = 500
	progressEvery = 100_000
)

const insertCouponSQL = `INSERT INTO coupons
	(code, discount_type, discount_value, description, starts_at, ends_at, usage_limit, per_user_limit)
	VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, 0), NULLIF($8, 0))
	ON CONFLICT (code) DO NOTHING`

// template is the shared discount rule applied to every imported code.
type template struct {
	discountType string
	value        decimal.Decimal
	description  string
	startsAt     time.Time
	endsAt       time.Time
	usageLimit   int
	perUserLimit int
}

func main() {
	var (
		databaseURL  string
		discountType string
		value        string
		description  string
		startsAt     string
		endsAt       string
		usageLimit   int
		perUserLimit int
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&discountType, "discount-type", "percentage", "discount type: percentage or fixed")
	flag.StringVar(&value, "discount-value", "10", "discount value")
	flag.StringVar(&description, "description", "", "coupon description")
	flag.StringVar(&startsAt, "starts-at", "", "validity window start (RFC 3339)")
	flag.StringVar(&endsAt, "ends-at", "", "validity window end (RFC 3339)")
	flag.IntVar(&usageLimit, "usage-limit", 0, "global usage limit per code (0 = unlimited)")
	flag.IntVar(&perUserLimit, "per-user-limit", 0, "per-user redemption limit (0 = unlimited)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if flag.NArg() == 0 {
		slog.Error("at least one code list file is required")
		os.Exit(1)
	}

	tmpl, err := parseTemplate(discountType, value, description, startsAt, endsAt, usageLimit, perUserLimit)
	if err != nil {
		slog.Error("invalid discount template", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, flag.Args(), tmpl); err != nil {
		slog.Error("coupon ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon ingest completed successfully")
}

func parseTemplate(discountType, value, description, startsAt, endsAt string, usageLimit, perUserLimit int) (*template, error) {
	switch coupon.DiscountType(discountType) {
	case coupon.DiscountPercentage, coupon.DiscountFixed:
	default:
		return nil, errors.Errorf("unsupported discount type: %q", discountType)
	}

	v, err := decimal.NewFromString(value)
	if err != nil {
		return nil, errors.Wrap(err, "parse discount value")
	}
	if !v.IsPositive() {
		return nil, errors.New("discount value must be positive")
	}
	if discountType == string(coupon.DiscountPercentage) && v.GreaterThan(decimal.NewFromInt(100)) {
		return nil, errors.New("percentage discount cannot exceed 100")
	}

	tmpl := &template{
		discountType: discountType,
		value:        v,
		description:  description,
		startsAt:     time.Now().UTC(),
		endsAt:       time.Now().UTC().AddDate(0, 1, 0),
		usageLimit:   usageLimit,
		perUserLimit: perUserLimit,
	}
	if startsAt != "" {
		if tmpl.startsAt, err = time.Parse(time.RFC3339, startsAt); err != nil {
			return nil, errors.Wrap(err, "parse starts-at")
		}
	}
	if endsAt != "" {
		if tmpl.endsAt, err = time.Parse(time.RFC3339, endsAt); err != nil {
			return nil, errors.Wrap(err, "parse ends-at")
		}
	}
	if !tmpl.endsAt.After(tmpl.startsAt) {
		return nil, errors.New("ends-at must be after starts-at")
	}

	return tmpl, nil
}

func run(ctx context.Context, databaseURL string, files []string, tmpl *template) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "check file %s", f)
		}
	}

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Readers fan in deduplicated codes; a single writer batches inserts.
	codes := make(chan string, batchSize)
	seen := newDedup()

	g, gctx := errgroup.WithContext(ctx)
	var readers sync.WaitGroup
	for _, f := range files {
		readers.Add(1)
		g.Go(scanFile(gctx, f, seen, codes, &readers))
	}
	go func() {
		readers.Wait()
		close(codes)
	}()
	g.Go(func() error {
		return writeCoupons(gctx, pool, tmpl, codes)
	})

	return g.Wait()
}

// dedup is a bloom filter guarded by a mutex; concurrent readers share it.
type dedup struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
}

func newDedup() *dedup {
	return &dedup{filter: bloom.NewWithEstimates(bloomCapacity, bloomFPR)}
}

// testAndAdd reports whether the code was probably seen before, adding it
// if not.
func (d *dedup) testAndAdd(code string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filter.TestAndAddString(code)
}

func scanFile(ctx context.Context, path string, seen *dedup, codes chan<- string, readers *sync.WaitGroup) func() error {
	return func() error {
		defer readers.Done()

		var total, kept uint64
		err := streamGzFile(ctx, path, func(raw string) error {
			code := coupon.NormalizeCode(raw)
			if len(code) < minCodeLen || len(code) > maxCodeLen {
				return nil
			}

			total++
			if total%progressEvery == 0 {
				slog.Info("scan progress", slog.String("file", path), slog.Uint64("codes", total))
			}

			if seen.testAndAdd(code) {
				return nil
			}
			kept++

			select {
			case codes <- code:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			return errors.Wrapf(err, "scan %s", path)
		}

		slog.Info("scan complete", slog.String("file", path),
			slog.Uint64("total", total), slog.Uint64("unique", kept))
		return nil
	}
}

// streamGzFile opens a gzip-compressed file and calls fn for each line.
func streamGzFile(ctx context.Context, path string, fn func(code string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// writeCoupons drains the codes channel into batched inserts.
func writeCoupons(ctx context.Context, pool *pgxpool.Pool, tmpl *template, codes <-chan string) error {
	var written int
	batch := &pgx.Batch{}

	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		if err := pool.SendBatch(ctx, batch).Close(); err != nil {
			return errors.Wrap(err, "send batch")
		}
		written += batch.Len()
		slog.Info("write progress", slog.Int("written", written))
		batch = &pgx.Batch{}
		return nil
	}

	for code := range codes {
		batch.Queue(insertCouponSQL,
			code, tmpl.discountType, tmpl.value, tmpl.description,
			tmpl.startsAt, tmpl.endsAt, tmpl.usageLimit, tmpl.perUserLimit)

		if batch.Len() >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}
