package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/atlas/backend/internal/identity"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationSeedDefaultRole = "2026-07-14_seed_default_role"

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
		{name: migrationSeedDefaultRole, apply: seedDefaultRole},
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
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// seedDefaultRole inserts the default role master row when no role carries the
// default code yet. Operators may deactivate it later; profile creation then
// fails closed until a replacement is activated.
func seedDefaultRole(db *gorm.DB) error {
	var count int64
	if err := db.Model(&identity.Role{}).
		Where("code = ?", identity.DefaultRoleCode).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return db.Create(&identity.Role{
		Code:            identity.DefaultRoleCode,
		Name:            "User",
		Description:     "Default role for newly provisioned identities",
		PermissionLevel: 0,
		IsActive:        true,
	}).Error
}
