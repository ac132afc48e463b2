package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"hammer/models"
)

type Config struct {
	// Driver 為 postgres 或 sqlite
	Driver string
	DSN    string
	// Schema 只用於 postgres，作為資料表前綴
	Schema      string
	AutoMigrate bool
	Debug       bool
}

// Open 建立資料庫連線，需要時自動建立資料表
func Open(config Config) (*gorm.DB, error) {
	const op = "Open"

	gormConfig := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	}
	if config.Debug {
		gormConfig.Logger = logger.Default.LogMode(logger.Info)
	}

	var dialector gorm.Dialector
	switch config.Driver {
	case "postgres":
		dialector = postgres.Open(config.DSN)
		if config.Schema != "" {
			gormConfig.NamingStrategy = schema.NamingStrategy{
				TablePrefix: config.Schema + ".",
			}
		}
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	default:
		return nil, fmt.Errorf("[%s] Unsupported database driver: %s", op, config.Driver)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}
	if config.Driver == "sqlite" {
		// sqlite 同時只允許一個寫入者
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to get sql.DB, err=%w", op, err)
		}
		sqlDB.SetMaxOpenConns(1)
		if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return nil, fmt.Errorf("[%s] Fail to enable foreign keys, err=%w", op, err)
		}
	}
	if config.AutoMigrate {
		if err := db.AutoMigrate(models.All()...); err != nil {
			return nil, fmt.Errorf("[%s] Fail to migrate database, err=%w", op, err)
		}
	}
	return db, nil
}
