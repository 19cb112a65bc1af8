package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/blacklist"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/ledger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationLowercaseWalletKeys = "2026-09-14_lowercase_wallet_public_keys"
	migrationUppercaseEntryTypes = "2026-09-28_uppercase_blacklist_entry_types"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationLowercaseWalletKeys, apply: lowercaseWalletKeys},
		{name: migrationUppercaseEntryTypes, apply: uppercaseEntryTypes},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		applyErr := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if applyErr != nil {
			return applyErr
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Wallet lookups compare lower-cased keys.
func lowercaseWalletKeys(db *gorm.DB) error {
	return db.Model(&ledger.CNodeUser{}).
		Where("wallet_public_key <> lower(wallet_public_key)").
		Update("wallet_public_key", gorm.Expr("lower(wallet_public_key)")).Error
}

func uppercaseEntryTypes(db *gorm.DB) error {
	return db.Model(&blacklist.Entry{}).
		Where("type <> upper(type)").
		Update("type", gorm.Expr("upper(type)")).Error
}
