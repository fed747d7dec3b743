package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/cbg-ethz/sigcomposer/internal/common/util"
	"github.com/cbg-ethz/sigcomposer/internal/jobspec"
	"github.com/cbg-ethz/sigcomposer/internal/resultcache"
)

// SQLiteRecordRepository persists job records in a local database file, so finished results
// survive a restart of a single composer process.
type SQLiteRecordRepository struct {
	db    *sql.DB
	clock util.Clock
	// SQLite only allows one writer at a time; serialising here avoids SQLITE_BUSY.
	lock sync.Mutex
}

func NewSQLiteRecordRepository(databasePath string, clock util.Clock) (*SQLiteRecordRepository, error) {
	dbDir := filepath.Dir(databasePath)
	if _, err := os.Stat(dbDir); os.IsNotExist(err) {
		if errMkDir := os.MkdirAll(dbDir, 0o755); errMkDir != nil {
			return nil, errors.Errorf("could not make directory at %s for sqlite db: %v", dbDir, errMkDir)
		}
	}

	sqliteDb, err := sql.Open("sqlite", databasePath)
	if err != nil {
		return nil, errors.Errorf("error opening sqlite DB from %s: %v", databasePath, err)
	}
	sqliteDb.SetMaxOpenConns(1)

	repo := &SQLiteRecordRepository{db: sqliteDb, clock: clock}
	if err := repo.setup(); err != nil {
		if closeErr := sqliteDb.Close(); closeErr != nil {
			log.Warnf("error closing database: %v", closeErr)
		}
		return nil, err
	}
	return repo, nil
}

func (s *SQLiteRecordRepository) setup() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return errors.WithStack(err)
	}
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS job_records (
			Fingerprint TEXT NOT NULL,
			State TEXT NOT NULL,
			Terminal INT NOT NULL,
			Version INT NOT NULL,
			UpdatedAt INT NOT NULL,
			AccessedAt INT NOT NULL,
			Data BLOB NOT NULL,
			PRIMARY KEY(Fingerprint))`)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_job_records_terminal ON job_records (Terminal, AccessedAt)`)
	return errors.WithStack(err)
}

func (s *SQLiteRecordRepository) Get(ctx context.Context, fingerprint jobspec.Fingerprint) (*resultcache.JobRecord, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	rec, err := s.get(ctx, fingerprint)
	if err != nil || rec == nil {
		return rec, err
	}
	if rec.State.IsTerminal() {
		_, err := s.db.ExecContext(ctx, "UPDATE job_records SET AccessedAt = ? WHERE Fingerprint = ?", s.clock.Now().UnixNano(), string(fingerprint))
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return rec, nil
}

func (s *SQLiteRecordRepository) get(ctx context.Context, fingerprint jobspec.Fingerprint) (*resultcache.JobRecord, error) {
	var version int64
	var data []byte
	row := s.db.QueryRowContext(ctx, "SELECT Version, Data FROM job_records WHERE Fingerprint = ?", string(fingerprint))
	err := row.Scan(&version, &data)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.WithStack(err)
	}
	rec := &resultcache.JobRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, errors.Wrap(err, "decoding job record")
	}
	rec.Version = version
	return rec, nil
}

func (s *SQLiteRecordRepository) Create(ctx context.Context, rec *resultcache.JobRecord) (*resultcache.JobRecord, bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	created := rec.Clone()
	created.Version = 1
	data, err := json.Marshal(created)
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	result, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO job_records VALUES (?, ?, ?, ?, ?, ?, ?)",
		string(rec.Fingerprint), string(rec.State), terminalFlag(rec), 1, rec.UpdatedAt.UnixNano(), s.clock.Now().UnixNano(), data)
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	if inserted == 0 {
		existing, err := s.get(ctx, rec.Fingerprint)
		return existing, false, err
	}
	rec.Version = 1
	return created, true, nil
}

func (s *SQLiteRecordRepository) CompareAndSwap(ctx context.Context, rec *resultcache.JobRecord) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	next := rec.Clone()
	next.Version = rec.Version + 1
	data, err := json.Marshal(next)
	if err != nil {
		return false, errors.WithStack(err)
	}
	result, err := s.db.ExecContext(ctx,
		"UPDATE job_records SET State = ?, Terminal = ?, Version = ?, UpdatedAt = ?, AccessedAt = ?, Data = ? WHERE Fingerprint = ? AND Version = ?",
		string(rec.State), terminalFlag(rec), next.Version, rec.UpdatedAt.UnixNano(), s.clock.Now().UnixNano(), data,
		string(rec.Fingerprint), rec.Version)
	if err != nil {
		return false, errors.WithStack(err)
	}
	updated, err := result.RowsAffected()
	if err != nil {
		return false, errors.WithStack(err)
	}
	if updated == 0 {
		return false, nil
	}
	rec.Version = next.Version
	return true, nil
}

func terminalFlag(rec *resultcache.JobRecord) int {
	if rec.State.IsTerminal() {
		return 1
	}
	return 0
}

func (s *SQLiteRecordRepository) Delete(ctx context.Context, fingerprint jobspec.Fingerprint) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM job_records WHERE Fingerprint = ?", string(fingerprint))
	return errors.WithStack(err)
}

func (s *SQLiteRecordRepository) ListActive(ctx context.Context) ([]*resultcache.JobRecord, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	rows, err := s.db.QueryContext(ctx, "SELECT Version, Data FROM job_records WHERE Terminal = 0")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var records []*resultcache.JobRecord
	for rows.Next() {
		var version int64
		var data []byte
		if err := rows.Scan(&version, &data); err != nil {
			return records, errors.WithStack(err)
		}
		rec := &resultcache.JobRecord{}
		if err := json.Unmarshal(data, rec); err != nil {
			return records, errors.Wrap(err, "decoding job record")
		}
		rec.Version = version
		records = append(records, rec)
	}
	return records, errors.WithStack(rows.Err())
}

func (s *SQLiteRecordRepository) PurgeTerminal(ctx context.Context, updatedBefore time.Time, capacity int) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	purged := int64(0)
	if !updatedBefore.IsZero() {
		result, err := s.db.ExecContext(ctx, "DELETE FROM job_records WHERE Terminal = 1 AND UpdatedAt < ?", updatedBefore.UnixNano())
		if err != nil {
			return 0, errors.WithStack(err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, errors.WithStack(err)
		}
		purged += n
	}
	if capacity > 0 {
		result, err := s.db.ExecContext(ctx, `
			DELETE FROM job_records WHERE Fingerprint IN (
				SELECT Fingerprint FROM job_records WHERE Terminal = 1
				ORDER BY AccessedAt DESC LIMIT -1 OFFSET ?)`, capacity)
		if err != nil {
			return int(purged), errors.WithStack(err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return int(purged), errors.WithStack(err)
		}
		purged += n
	}
	return int(purged), nil
}

func (s *SQLiteRecordRepository) HealthCheck(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	row := s.db.QueryRowContext(ctx, "SELECT 1")
	var col int
	if err := row.Scan(&col); err != nil {
		return fmt.Errorf("SQL health check failed: %v", err)
	}
	return nil
}

func (s *SQLiteRecordRepository) Close() error {
	return s.db.Close()
}
