// Package memory provides an in-memory implementation of the coupon and
// ledger stores. It mirrors the PostgreSQL implementation's atomicity
// guarantees with a single mutex, which makes it suitable for tests and
// single-process development but not for multi-instance deployments.
package memory

import (
	"context"
	"sync"

	"github.com/xenking/promo-engine/internal/domain/coupon"
	"github.com/xenking/promo-engine/internal/domain/ledger"
)

var (
	_ coupon.Store = (*Store)(nil)
	_ ledger.Store = (*Store)(nil)
)

// Store holds coupons and redemptions in maps guarded by one mutex.
// ConsumeSlot and ReleaseSlot perform their check-and-mutate entirely under
// the lock, matching the conditional-update semantics of the SQL store.
type Store struct {
	mu          sync.Mutex
	coupons     map[string]*coupon.Coupon     // by id
	byCode      map[string]string             // normalized code -> id
	redemptions map[string]ledger.Redemption  // by order id
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		coupons:     make(map[string]*coupon.Coupon),
		byCode:      make(map[string]string),
		redemptions: make(map[string]ledger.Redemption),
	}
}

// Put inserts or replaces a coupon. The code index uses the normalized form.
func (s *Store) Put(c *coupon.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	s.coupons[cp.ID] = &cp
	s.byCode[coupon.NormalizeCode(cp.Code)] = cp.ID
}

// FindByCode implements coupon.Store.
func (s *Store) FindByCode(_ context.Context, code string) (*coupon.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byCode[coupon.NormalizeCode(code)]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	cp := *s.coupons[id]
	return &cp, nil
}

// FindByID implements ledger.Store.
func (s *Store) FindByID(_ context.Context, id string) (*coupon.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.coupons[id]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// CountUserRedemptions implements both store interfaces.
func (s *Store) CountUserRedemptions(_ context.Context, couponID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, r := range s.redemptions {
		if r.CouponID == couponID && r.UserID == userID && userID != "" {
			count++
		}
	}
	return count, nil
}

// RedemptionByOrder implements ledger.Store.
func (s *Store) RedemptionByOrder(_ context.Context, orderID string) (*ledger.Redemption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.redemptions[orderID]
	if !ok {
		return nil, ledger.ErrRedemptionNotFound
	}
	return &r, nil
}

// ConsumeSlot implements ledger.Store. The usage-limit and per-user-limit
// checks, counter increment, and record append all happen under the lock,
// so concurrent callers racing for the last slot observe exactly one winner.
func (s *Store) ConsumeSlot(_ context.Context, r ledger.Redemption) (*ledger.Redemption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.redemptions[r.OrderID]; exists {
		return nil, ledger.ErrDuplicateOrder
	}

	c, ok := s.coupons[r.CouponID]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	if c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit {
		return nil, coupon.ErrExhausted
	}
	if r.UserID != "" && c.PerUserLimit != nil {
		count := 0
		for _, rec := range s.redemptions {
			if rec.CouponID == r.CouponID && rec.UserID == r.UserID {
				count++
			}
		}
		if count >= *c.PerUserLimit {
			return nil, coupon.ErrUserLimitExceeded
		}
	}

	c.UsedCount++
	r.UsedCount = c.UsedCount
	s.redemptions[r.OrderID] = r

	return &r, nil
}

// ReleaseSlot implements ledger.Store.
func (s *Store) ReleaseSlot(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.redemptions[orderID]
	if !ok {
		return ledger.ErrRedemptionNotFound
	}
	delete(s.redemptions, orderID)

	if c, ok := s.coupons[r.CouponID]; ok && c.UsedCount > 0 {
		c.UsedCount--
	}
	return nil
}
