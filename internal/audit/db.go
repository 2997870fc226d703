package audit

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/infrahq/lockbox/internal/logging"
)

// NewDB opens the audit database and migrates the events table.
func NewDB(connection gorm.Dialector) (*gorm.DB, error) {
	db, err := gorm.Open(connection, &gorm.Config{
		Logger: logging.NewDatabaseLogger(time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("db conn: %w", err)
	}

	if connection.Name() == "sqlite" {
		// avoid issues with concurrent writes by telling gorm
		// not to open multiple connections in the connection pool
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("getting db driver: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return db, nil
}

func NewSQLiteDriver(connection string) (gorm.Dialector, error) {
	if !strings.HasPrefix(connection, "file::memory") {
		if err := os.MkdirAll(path.Dir(connection), os.ModePerm); err != nil {
			return nil, err
		}
	}

	uri, err := url.Parse(connection)
	if err != nil {
		return nil, err
	}

	query := uri.Query()
	query.Add("_journal_mode", "WAL")
	uri.RawQuery = query.Encode()

	return sqlite.Open(uri.String()), nil
}

func NewPostgresDriver(connection string) gorm.Dialector {
	return postgres.Open(connection)
}

// DBRecorder stores events in a database.
type DBRecorder struct {
	db *gorm.DB
}

func NewDBRecorder(db *gorm.DB) *DBRecorder {
	return &DBRecorder{db: db}
}

func (r *DBRecorder) Record(ctx context.Context, e Event) {
	// the action already happened, so a cancelled request must not drop it
	ctx = context.WithoutCancel(ctx)

	if err := r.db.WithContext(ctx).Create(&e).Error; err != nil {
		logging.Errorf("recording %s audit event for %s: %v", e.Action, e.VaultID, err)
	}
}

type ListOptions struct {
	VaultID string
	Action  Action
	// Limit is the most events returned, newest first. Zero means 100.
	Limit int
}

func (r *DBRecorder) List(ctx context.Context, opts ListOptions) ([]Event, error) {
	db := r.db.WithContext(ctx).Order("id DESC")

	if opts.VaultID != "" {
		db = db.Where("vault_id = ?", opts.VaultID)
	}

	if opts.Action != "" {
		db = db.Where("action = ?", opts.Action)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	var events []Event
	if err := db.Limit(limit).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}

	return events, nil
}
