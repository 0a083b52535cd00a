package data

import (
	"github.com/lk2023060901/filevault-backend/internal/pkg/database"
)

// Models lists every table of the storage subsystem
func Models() []interface{} {
	return []interface{}{
		&FilePO{},
		&FileTagPO{},
		&VersionPO{},
		&QuotaPO{},
		&AuditPO{},
	}
}

// Migrate creates or updates the storage tables
func Migrate(db *database.DB) error {
	return db.AutoMigrate(Models()...)
}
