package db

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"referral-dispatch-backend/config"
	"referral-dispatch-backend/internal/model"
)

// Init opens the database connection, runs migrations and seeds the referral
// books from configuration.
func Init(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(openDialector(cfg.Database.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetimeMinutes > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetimeMinutes) * time.Minute)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	if err := SeedBooks(db, cfg.Books); err != nil {
		return nil, err
	}
	return db, nil
}

// openDialector picks a driver from the DSN shape: sqlite for file/in-memory
// DSNs, postgres otherwise.
func openDialector(dsn string) gorm.Dialector {
	if strings.HasPrefix(dsn, "file:") || strings.HasSuffix(dsn, ".db") || strings.Contains(dsn, ":memory:") {
		return sqlite.Open(dsn)
	}
	return postgres.Open(dsn)
}

// activeSlotIndex enforces one on-book registration per (member, book, tier).
// The predicate keeps expired and withdrawn rows out of the index so a member
// can re-sign after a roll-off. GORM's comma-split index tags cannot express
// the WHERE clause, so the index is created with raw SQL; the statement is
// valid on both sqlite and postgres.
const activeSlotIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_member_book_tier ` +
	`ON registrations (member_id, book_code, tier) ` +
	`WHERE status IN ('active','dispatched')`

// Migrate runs the schema migrations for all engine models.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.ReferralBook{},
		&model.Registration{},
		&model.CheckMark{},
		&model.Exemption{},
		&model.BlackoutPeriod{},
		&model.LaborRequest{},
		&model.JobBid{},
		&model.Dispatch{},
		&model.AuditEvent{},
	); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}
	if err := db.Exec(activeSlotIndex).Error; err != nil {
		return fmt.Errorf("failed to create active slot index: %w", err)
	}
	return nil
}

// SeedBooks upserts the configured referral books. Book rows are the durable
// form of the configuration; they are never edited mid-run.
func SeedBooks(db *gorm.DB, books []config.BookConfig) error {
	if len(books) == 0 {
		return nil
	}
	rows := make([]model.ReferralBook, 0, len(books))
	for _, b := range books {
		rows = append(rows, model.ReferralBook{
			Code:               b.Code,
			Classification:     b.Classification,
			Region:             b.Region,
			BookType:           b.BookType,
			ContractCode:       b.ContractCode,
			Tiers:              b.Tiers,
			ResignIntervalDays: b.ResignIntervalDays,
			MaxCheckMarks:      b.MaxCheckMarks,
			CheckMarkPolicy:    model.CheckMarkPolicy(b.CheckMarkPolicy),
			Agreements:         b.Agreements,
			ShortCallDays:      b.ShortCallDays,
			LayoffCheckMark:    b.LayoffCheckMark,
			BlackoutDays:       b.BlackoutDays,
			Active:             true,
		})
	}
	if err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"classification", "region", "book_type", "contract_code", "tiers",
			"resign_interval_days", "max_check_marks", "check_mark_policy",
			"agreements", "short_call_days", "layoff_check_mark", "blackout_days",
			"active", "updated_at",
		}),
	}).Create(&rows).Error; err != nil {
		return fmt.Errorf("seed books failed: %w", err)
	}
	return nil
}
