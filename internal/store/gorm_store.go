package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type SQLConfig struct {
	Dialect string `mapstructure:"dialect"`
	DSN     string `mapstructure:"dsn"`
	ShowSQL bool   `mapstructure:"show_sql"`
}

type licenseRow struct {
	LicenseKey      string     `gorm:"column:license_key;primaryKey;size:64"`
	PluginName      string     `gorm:"column:plugin_name;not null;index"`
	BuyerLabel      string     `gorm:"column:buyer_label;not null"`
	ServerLabel     string     `gorm:"column:server_label"`
	OwnerID         string     `gorm:"column:owner_id;not null;index"`
	Status          string     `gorm:"column:status;not null;index"`
	ExpiresAt       time.Time  `gorm:"column:expires_at;not null;index"`
	CreatedAt       time.Time  `gorm:"column:created_at;not null"`
	LastValidatedAt *time.Time `gorm:"column:last_validated_at"`
	ValidationCount int64      `gorm:"column:validation_count;not null"`
	Notes           string     `gorm:"column:notes"`
	AllowedServers  []Server   `gorm:"column:allowed_servers;serializer:json"`
	MaxServers      int        `gorm:"column:max_servers;not null"`
	Source          string     `gorm:"column:source"`
	PurchasedAt     *time.Time `gorm:"column:purchased_at"`
	Version         int64      `gorm:"column:version;not null"`
}

func (licenseRow) TableName() string { return "licenses" }

// ownerRow counts licenses per owner so the quota check can be a single
// conditional UPDATE.
type ownerRow struct {
	OwnerID      string `gorm:"column:owner_id;primaryKey;size:128"`
	LicenseCount int    `gorm:"column:license_count;not null"`
}

func (ownerRow) TableName() string { return "license_owners" }

type GormStore struct {
	db *gorm.DB
}

// OpenGorm opens the configured dialect and migrates the license tables.
func OpenGorm(cfg SQLConfig, log *zap.Logger) (*GormStore, error) {
	var dialector gorm.Dialector
	switch cfg.Dialect {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", cfg.Dialect)
	}

	level := logger.Warn
	if cfg.ShowSQL {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         NewZapGormLogger(log, level, cfg.ShowSQL),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Dialect == "sqlite" || cfg.Dialect == "" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	return NewGorm(db)
}

func NewGorm(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&licenseRow{}, &ownerRow{}); err != nil {
		return nil, fmt.Errorf("migrate license tables: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) Create(ctx context.Context, lic License, ownerLimit int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&licenseRow{}).Where("license_key = ?", lic.Key).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrKeyExists
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ownerRow{OwnerID: lic.OwnerID}).Error; err != nil {
			return err
		}
		res := tx.Model(&ownerRow{}).
			Where("owner_id = ? AND license_count < ?", lic.OwnerID, ownerLimit).
			UpdateColumn("license_count", gorm.Expr("license_count + ?", 1))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrQuotaExceeded
		}
		row := toRow(lic)
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrKeyExists
			}
			return err
		}
		return nil
	})
}

func (s *GormStore) Get(ctx context.Context, key string) (License, error) {
	row, err := s.get(s.db.WithContext(ctx), key)
	if err != nil {
		return License{}, err
	}
	return row.toLicense(), nil
}

func (s *GormStore) ListByOwner(ctx context.Context, ownerID string) ([]License, error) {
	var rows []licenseRow
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC, license_key ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]License, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toLicense())
	}
	return out, nil
}

// Update locks the row with SELECT ... FOR UPDATE for the length of the
// transaction, so concurrent writers of one key queue instead of failing.
// sqlite has no row locks; its single connection serialises transactions.
func (s *GormStore) Update(ctx context.Context, key string, fn MutateFunc) (License, error) {
	var updated License
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.get(tx.Clauses(clause.Locking{Strength: "UPDATE"}), key)
		if err != nil {
			return err
		}
		lic := row.toLicense()
		if err := fn(&lic); err != nil {
			return err
		}
		next := toRow(lic)
		next.LicenseKey = row.LicenseKey
		next.Version = row.Version + 1

		if err := tx.Model(&licenseRow{}).
			Where("license_key = ?", row.LicenseKey).
			Select("*").
			Updates(&next).Error; err != nil {
			return err
		}
		updated = lic
		return nil
	})
	if err != nil {
		return License{}, err
	}
	return updated, nil
}

func (s *GormStore) get(db *gorm.DB, key string) (licenseRow, error) {
	var row licenseRow
	err := db.Where("license_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return licenseRow{}, ErrNotFound
	}
	return row, err
}

func toRow(lic License) licenseRow {
	servers := lic.AllowedServers
	if servers == nil {
		servers = []Server{}
	}
	return licenseRow{
		LicenseKey:      lic.Key,
		PluginName:      lic.PluginName,
		BuyerLabel:      lic.BuyerLabel,
		ServerLabel:     lic.ServerLabel,
		OwnerID:         lic.OwnerID,
		Status:          string(lic.Status),
		ExpiresAt:       lic.ExpiresAt,
		CreatedAt:       lic.CreatedAt,
		LastValidatedAt: lic.LastValidatedAt,
		ValidationCount: lic.ValidationCount,
		Notes:           lic.Notes,
		AllowedServers:  servers,
		MaxServers:      lic.MaxServers,
		Source:          string(lic.Source),
		PurchasedAt:     lic.PurchasedAt,
	}
}

func (r licenseRow) toLicense() License {
	servers := r.AllowedServers
	if servers == nil {
		servers = []Server{}
	}
	return License{
		Key:             r.LicenseKey,
		PluginName:      r.PluginName,
		BuyerLabel:      r.BuyerLabel,
		ServerLabel:     r.ServerLabel,
		OwnerID:         r.OwnerID,
		Status:          Status(r.Status),
		ExpiresAt:       r.ExpiresAt,
		CreatedAt:       r.CreatedAt,
		LastValidatedAt: r.LastValidatedAt,
		ValidationCount: r.ValidationCount,
		Notes:           r.Notes,
		AllowedServers:  servers,
		MaxServers:      r.MaxServers,
		Source:          Source(r.Source),
		PurchasedAt:     r.PurchasedAt,
	}
}
