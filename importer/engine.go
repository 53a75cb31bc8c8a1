package importer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type EngineConfig struct {
	Driver string
	DSN    string
	// DB, when set, is used instead of opening Driver/DSN. The engine does not close it.
	DB *gorm.DB

	// Debug enables the engine's debug lines. The logger's level is left to the caller.
	Debug bool
	// Logger defaults to the logrus standard logger.
	Logger *logrus.Logger
	// Registerer receives the engine's collectors. Nil leaves them unregistered.
	Registerer prometheus.Registerer
	// Directory resolves unit codes and staff ids. Defaults to a GormDirectory on the same DB.
	Directory Directory

	RequireApproval        bool
	RejectDuplicateUploads bool
}

// Engine owns the batch lifecycle: staging, validation, commit, discard, rollback and the run ledger.
// Every mutating operation runs in its own database transaction.
type Engine struct {
	cfg     EngineConfig
	db      *gorm.DB
	ownsDB  bool
	dir     Directory
	log     *logrus.Entry
	metrics *Metrics
	now     func() time.Time
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.DB == nil && strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("DB or DSN is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	e := &Engine{
		cfg: cfg,
		log: cfg.Logger.WithField("component", "importer"),
		now: func() time.Time { return time.Now().UTC() },
	}
	if cfg.DB != nil {
		if err := Migrate(cfg.DB); err != nil {
			return nil, err
		}
		e.db = cfg.DB
	} else {
		db, err := OpenDB(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		e.db = db
		e.ownsDB = true
	}

	m, err := NewMetrics(cfg.Registerer)
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	e.metrics = m

	e.dir = cfg.Directory
	if e.dir == nil {
		e.dir = NewGormDirectory(e.db)
	}
	return e, nil
}

func (e *Engine) DB() *gorm.DB {
	return e.db
}

// Ping checks the store is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	sqlDB, err := e.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (e *Engine) Close() error {
	if e == nil || e.db == nil || !e.ownsDB {
		return nil
	}
	sqlDB, err := e.db.DB()
	if err != nil {
		return err
	}
	err = sqlDB.Close()
	e.db = nil
	return err
}

func (e *Engine) debugf(format string, args ...any) {
	if e == nil || !e.cfg.Debug {
		return
	}
	e.log.Debugf(format, args...)
}
