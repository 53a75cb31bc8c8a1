package importer

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func dialector(driver string, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		return sqlite.Open(withSQLitePragmas(dsn)), nil
	case DriverPostgres, "postgresql":
		return postgres.New(postgres.Config{DSN: dsn, PreferSimpleProtocol: true}), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// OpenDB opens the store and migrates the import tables.
func OpenDB(driver string, dsn string) (*gorm.DB, error) {
	db, err := OpenQueryDB(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// OpenQueryDB opens an existing store without touching the schema.
func OpenQueryDB(driver string, dsn string) (*gorm.DB, error) {
	d, err := dialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	return gorm.Open(d, &gorm.Config{
		Logger: logger.New(logrus.StandardLogger(), logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
}

// withSQLitePragmas turns on foreign keys and a busy timeout unless the DSN sets its own pragmas.
// Transactions begin IMMEDIATE so concurrent writers queue on the busy timeout instead of
// failing when a read lock cannot be upgraded.
func withSQLitePragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
}

// Migrate creates reference tables before the tables that point at them.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&UnitOffering{},
		&Tutor{},
		&ImportBatch{},
		&StagedRow{},
		&ImportRun{},
		&TeachingActivity{},
		&SessionOccurrence{},
		&Allocation{},
	)
}

// forUpdate adds a row lock where the dialect has one. SQLite serializes writers on its own.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == DriverPostgres {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}
