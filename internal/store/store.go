// Package store keeps job records of the launcher command line in sqlite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CZERTAINLY/Launcher/internal/model"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// JobRow is a stored job. Only the host name is kept, the host configuration
// is read from the config file again.
type JobRow struct {
	model.Job
	Updated time.Time
}

func (r JobRow) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "id: %d, host: %q, identity: %s", r.ID, r.Host.Name, r.Identity)
	if r.Dispatch != nil {
		fmt.Fprintf(&sb, ", strategy: %s", r.Dispatch.Strategy)
		if r.Dispatch.Hostname != "" {
			fmt.Fprintf(&sb, ", launched_on: %q", r.Dispatch.Hostname)
		}
	} else {
		sb.WriteString(", strategy: nil")
	}
	if r.Scheduled {
		sb.WriteString(", scheduled")
	}
	return sb.String()
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY,
			project TEXT NOT NULL,
			db_path TEXT NOT NULL,
			host TEXT NOT NULL,
			use_queue BOOLEAN NOT NULL,
			scheduled BOOLEAN NOT NULL,
			submit TEXT NOT NULL DEFAULT '{}',
			files TEXT NOT NULL DEFAULT '[]',
			identity TEXT NOT NULL DEFAULT 'unknown',
			dispatch TEXT DEFAULT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Put inserts job or replaces the stored record with the same id.
func Put(ctx context.Context, db *sql.DB, job *model.Job) error {
	submit, err := json.Marshal(job.Submit)
	if err != nil {
		return fmt.Errorf("encoding submit descriptor: %w", err)
	}
	files, err := json.Marshal(job.Files)
	if err != nil {
		return fmt.Errorf("encoding files: %w", err)
	}
	var dispatch *string
	if job.Dispatch != nil {
		b, err := json.Marshal(job.Dispatch)
		if err != nil {
			return fmt.Errorf("encoding dispatch: %w", err)
		}
		s := string(b)
		dispatch = &s
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO jobs (id, project, db_path, host, use_queue, scheduled, submit, files, identity, dispatch, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			project = excluded.project,
			db_path = excluded.db_path,
			host = excluded.host,
			use_queue = excluded.use_queue,
			scheduled = excluded.scheduled,
			submit = excluded.submit,
			files = excluded.files,
			identity = excluded.identity,
			dispatch = excluded.dispatch,
			updated_at = excluded.updated_at;
		`,
		job.ID, job.ProjectPath, job.DBPath, job.Host.Name, job.UseQueue, job.Scheduled,
		string(submit), string(files), job.Identity.String(), dispatch, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	return nil
}

// Get returns the job identified by id on success, ErrNotFound when there
// is no such job, error otherwise.
func Get(ctx context.Context, db *sql.DB, id int) (JobRow, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, project, db_path, host, use_queue, scheduled, submit, files, identity, dispatch, updated_at
		FROM jobs WHERE id=?`, id,
	)
	job, err := scan(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return JobRow{}, ErrNotFound
	case err != nil:
		return JobRow{}, err
	}
	return job, nil
}

func List(ctx context.Context, db *sql.DB) ([]JobRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, project, db_path, host, use_queue, scheduled, submit, files, identity, dispatch, updated_at
		FROM jobs ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []JobRow
	for rows.Next() {
		job, err := scan(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, job)
	}
	return ret, rows.Err()
}

// Delete removes the job identified by id, ErrNotFound is returned when it
// does not exist.
func Delete(ctx context.Context, db *sql.DB, id int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func(ctx context.Context, id int) {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.Int("id", id))
		}
	}(ctx, id)

	result, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (JobRow, error) {
	var (
		row      JobRow
		host     string
		submit   string
		files    string
		identity string
		dispatch sql.NullString
	)
	err := s.Scan(
		&row.ID,
		&row.ProjectPath,
		&row.DBPath,
		&host,
		&row.UseQueue,
		&row.Scheduled,
		&submit,
		&files,
		&identity,
		&dispatch,
		&row.Updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return JobRow{}, err
		}
		return JobRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}

	row.Host = model.HostConfig{Name: host}
	if err := json.Unmarshal([]byte(submit), &row.Submit); err != nil {
		return JobRow{}, fmt.Errorf("decoding submit descriptor of job %d: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(files), &row.Files); err != nil {
		return JobRow{}, fmt.Errorf("decoding files of job %d: %w", row.ID, err)
	}
	row.Identity, err = model.ParseIdentity(identity)
	if err != nil {
		return JobRow{}, fmt.Errorf("decoding identity of job %d: %w", row.ID, err)
	}
	if dispatch.Valid {
		row.Dispatch = &model.Dispatch{}
		if err := json.Unmarshal([]byte(dispatch.String), row.Dispatch); err != nil {
			return JobRow{}, fmt.Errorf("decoding dispatch of job %d: %w", row.ID, err)
		}
	}
	return row, nil
}
