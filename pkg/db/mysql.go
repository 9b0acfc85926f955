package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config locates the MySQL server. DSN wins when set and is used as given.
type Config struct {
	DSN      string
	Host     string
	Port     string
	User     string
	Password string
	Database string
}

func (c Config) dsn() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local&clientFoundRows=true", c.User, c.Password, c.Host, c.Port, c.Database)
}

// Open connects to MySQL, creating the database when it is missing, and
// migrates the router tables.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (*Store, error) {
	gcfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
	db, err := gorm.Open(mysql.Open(cfg.dsn()), gcfg)
	if err != nil {
		if !strings.Contains(err.Error(), "Unknown database") || cfg.DSN != "" {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		if cerr := createDatabase(ctx, cfg); cerr != nil {
			return nil, fmt.Errorf("create database failed: %w", cerr)
		}
		log.Info().Str("database", cfg.Database).Msg("created database")
		if db, err = gorm.Open(mysql.Open(cfg.dsn()), gcfg); err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	if err := db.WithContext(ctx).AutoMigrate(&routerRow{}, &prefixRow{}, &routeRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

func createDatabase(ctx context.Context, cfg Config) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/", cfg.User, cfg.Password, cfg.Host, cfg.Port)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` DEFAULT CHARACTER SET utf8mb4", cfg.Database))
	return err
}
