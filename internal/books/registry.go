package books

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"

	"referral-dispatch-backend/internal/model"
)

// ErrNotFound is returned when no active book matches the requested code.
var ErrNotFound = errors.New("referral book not found")

// Filter narrows ListBooks results. Zero values match everything.
type Filter struct {
	Region         string
	Classification string
	BookType       string
	ActiveOnly     bool
}

// Registry owns the set of referral books and their configuration. Lookups
// are cached; a matching run takes one snapshot up front so rule changes
// never land mid-run.
type Registry struct {
	db    *gorm.DB
	cache *cache.Cache
}

// NewRegistry creates a registry backed by the given database.
func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{
		db:    db,
		cache: cache.New(5*time.Minute, 10*time.Minute),
	}
}

// GetBook returns the active book with the given code.
func (r *Registry) GetBook(ctx context.Context, code string) (*model.ReferralBook, error) {
	if v, found := r.cache.Get(code); found {
		book := v.(model.ReferralBook)
		return &book, nil
	}
	var book model.ReferralBook
	err := r.db.WithContext(ctx).Where("code = ? AND active = ?", code, true).First(&book).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, code)
	}
	if err != nil {
		return nil, err
	}
	r.cache.SetDefault(code, book)
	return &book, nil
}

// Snapshot loads the book fresh from the database, bypassing the cache. The
// matcher calls this once at the start of a run and holds the copy for the
// whole pass.
func (r *Registry) Snapshot(ctx context.Context, code string) (*model.ReferralBook, error) {
	var book model.ReferralBook
	err := r.db.WithContext(ctx).Where("code = ? AND active = ?", code, true).First(&book).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, code)
	}
	if err != nil {
		return nil, err
	}
	r.cache.SetDefault(code, book)
	return &book, nil
}

// ListBooks returns the books matching the filter, ordered by code.
func (r *Registry) ListBooks(ctx context.Context, f Filter) ([]model.ReferralBook, error) {
	q := r.db.WithContext(ctx).Model(&model.ReferralBook{})
	if f.Region != "" {
		q = q.Where("region = ?", f.Region)
	}
	if f.Classification != "" {
		q = q.Where("classification = ?", f.Classification)
	}
	if f.BookType != "" {
		q = q.Where("book_type = ?", f.BookType)
	}
	if f.ActiveOnly {
		q = q.Where("active = ?", true)
	}
	var out []model.ReferralBook
	if err := q.Order("code").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Invalidate drops a cached book, e.g. after a configuration reload.
func (r *Registry) Invalidate(code string) {
	r.cache.Delete(code)
}
