// Package model holds the gateway's canonical entities (Provider,
// Endpoint, UpstreamKey, GlobalModel, Model, ModelMapping, ApiKey, User,
// Attempt, Usage) and the gorm wiring that reads and mutates them.
package model

import (
	"fmt"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"

	"github.com/relaygate/gateway/internal/config"
	"github.com/relaygate/gateway/internal/logger"
)

// DB is the process-wide handle to the configuration store.
var DB *gorm.DB

func chooseDialector(dsn string) (gorm.Dialector, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"):
		return postgres.New(postgres.Config{DSN: dsn, PreferSimpleProtocol: true}), nil
	case strings.Contains(dsn, "@tcp("):
		return mysql.Open(dsn), nil
	case dsn == "" || dsn == ":memory:":
		return sqlite.Open("file::memory:?cache=shared"), nil
	default:
		return sqlite.Open(dsn), nil
	}
}

// InitDB opens the configuration store and runs AutoMigrate at boot
// rather than shipping a separate migration binary.
func InitDB() error {
	if config.Production && !strings.HasPrefix(config.DatabaseURL, "postgres://") {
		return errors.New("PRODUCTION=true requires a postgres:// DATABASE_URL")
	}

	dialector, err := chooseDialector(config.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "choose dialector")
	}

	db, err := gorm.Open(dialector, &gorm.Config{PrepareStmt: true})
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	// Every query against Provider/Endpoint/Key/Usage rows gets a span
	// under the request's trace (internal/tracing), so a slow candidate
	// lookup or billing write shows up next to the attempt it blocked.
	if err := db.Use(gormtracing.NewPlugin()); err != nil {
		return errors.Wrap(err, "install gorm tracing plugin")
	}
	DB = db

	logger.Logger.Info("configuration store ready", zap.String("dsn_scheme", dsnScheme(config.DatabaseURL)))

	return AutoMigrate(DB)
}

func dsnScheme(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i]
	}
	return "sqlite"
}

// AutoMigrate creates/updates every table the core reads or mutates.
func AutoMigrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Provider{},
		&Endpoint{},
		&UpstreamKey{},
		&GlobalModel{},
		&Model{},
		&ModelMapping{},
		&User{},
		&ApiKey{},
		&Attempt{},
		&Usage{},
	)
	return errors.Wrap(err, "auto migrate")
}

// Fatalf logs and exits non-zero on a fatal configuration error.
func Fatalf(format string, args...any) {
	logger.Logger.Fatal(fmt.Sprintf(format, args...))
}
