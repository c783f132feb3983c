package db

import (
	"log"

	"github.com/circle-fin/usdc-flow-tracker/internal/config"
	"github.com/circle-fin/usdc-flow-tracker/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// InitDB opens the Postgres connection and runs AutoMigrate, grounded on the
// teacher's silent-logger / prepared-statement GORM config.
func InitDB() {
	var err error

	if config.AppConfig == nil || config.AppConfig.Database.DSN == "" {
		log.Fatalf("Database DSN is required")
	}

	dsn := config.AppConfig.Database.DSN
	log.Printf("Connecting to database")

	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
		DisableAutomaticPing:                     true,
		PrepareStmt:                              true,
		CreateBatchSize:                          1000,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.Fatalf("Failed to connect database: %v", err)
	}

	log.Println("✅ Database connected successfully")

	log.Println("🚀 Starting database schema migration with GORM AutoMigrate...")
	if err := DB.AutoMigrate(
		&models.Flow{},
		&models.StatusLog{},
	); err != nil {
		log.Fatalf("AutoMigrate failed: %v", err)
	}
	log.Println("✅ Database schema migrated successfully")
}
