package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	DriverName      = "sqlite3"
	CredentialsFile = "creds.db"
)

type DB struct {
	*sqlx.DB
}

// CredentialsPath returns the credential database location inside an auth directory.
func CredentialsPath(authDir string) string {
	return filepath.Join(authDir, CredentialsFile)
}

// DSN builds the sqlite connection string for the credential database.
func DSN(path string, readOnly bool) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	if readOnly {
		q.Set("mode", "ro")
	}
	return "file:" + path + "?" + q.Encode()
}

// OpenReadOnly opens an existing credential database without creating it.
func OpenReadOnly(path string) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return open(DSN(path, true))
}

func open(dsn string) (*DB, error) {
	db, err := sqlx.Connect(DriverName, dsn)
	if err != nil {
		return nil, err
	}

	// sqlite serializes writers; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	return &DB{db}, nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}

// DeviceJID returns the address of the first paired device, or "" when none is stored.
func (db *DB) DeviceJID(ctx context.Context) (string, error) {
	exists, err := db.hasDeviceTable(ctx)
	if err != nil || !exists {
		return "", err
	}

	var jid string
	err = db.GetContext(ctx, &jid, `SELECT jid FROM whatsmeow_device LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select device jid: %w", err)
	}
	return jid, nil
}

func (db *DB) hasDeviceTable(ctx context.Context) (bool, error) {
	var count int
	err := db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'whatsmeow_device'`)
	if err != nil {
		return false, fmt.Errorf("inspect schema: %w", err)
	}
	return count > 0, nil
}
