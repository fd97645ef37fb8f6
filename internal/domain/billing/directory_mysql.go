package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// MySQLDirectoryConfig locates the clinic's patient registry.
type MySQLDirectoryConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// DSN renders the driver connection string with time parsing enabled.
func (c MySQLDirectoryConfig) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	cfg.DBName = c.Database
	cfg.ParseTime = true
	cfg.Timeout = 5 * time.Second
	return cfg.FormatDSN()
}

// OpenMySQLDirectory connects to the registry and pings it.
func OpenMySQLDirectory(ctx context.Context, cfg MySQLDirectoryConfig) (*sqlx.DB, error) {
	dbx, err := sqlx.ConnectContext(ctx, "mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect patient registry: %w", err)
	}
	dbx.SetMaxOpenConns(10)
	dbx.SetConnMaxLifetime(5 * time.Minute)
	return dbx, nil
}

type registryPatient struct {
	ID              string         `db:"id"`
	InsuranceStatus sql.NullString `db:"insurance_status"`
}

type patientDirectoryMySQL struct{ db *sqlx.DB }

// NewPatientDirectoryMySQL reads insurance status from the registry's
// patient table.
func NewPatientDirectoryMySQL(db *sqlx.DB) PatientDirectory {
	return &patientDirectoryMySQL{db: db}
}

func (d *patientDirectoryMySQL) GetInsuranceStatus(ctx context.Context, patientID uuid.UUID) (InsuranceStatus, error) {
	var p registryPatient
	err := d.db.GetContext(ctx, &p, `SELECT id, insurance_status FROM patient WHERE id = ?`, patientID.String())
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrPatientNotFound
	}
	if err != nil {
		return "", err
	}
	return registryStatus(p.InsuranceStatus), nil
}

// registryStatus maps the registry's free-form column onto InsuranceStatus.
// Anything unrecognized is treated as no coverage.
func registryStatus(raw sql.NullString) InsuranceStatus {
	if !raw.Valid {
		return InsuranceNone
	}
	switch strings.ToLower(strings.TrimSpace(raw.String)) {
	case "active", "aktif":
		return InsuranceActive
	case "inactive", "expired", "nonaktif":
		return InsuranceInactive
	}
	return InsuranceNone
}
