package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	mode          TEXT    NOT NULL,
	source_id     INTEGER,
	collection_id INTEGER NOT NULL,
	category      TEXT,
	database_id   INTEGER,
	dry_run       INTEGER NOT NULL,
	started_at    TEXT    NOT NULL,
	finished_at   TEXT    NOT NULL,
	cards         INTEGER NOT NULL,
	persisted     INTEGER NOT NULL,
	failed        INTEGER NOT NULL,
	needs_review  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS card_outcomes (
	run_id       INTEGER NOT NULL REFERENCES runs(id),
	card_id      INTEGER NOT NULL,
	name         TEXT    NOT NULL,
	new_name     TEXT    NOT NULL,
	state        TEXT    NOT NULL,
	needs_review INTEGER NOT NULL,
	review       TEXT    NOT NULL,
	unresolved   TEXT    NOT NULL,
	error        TEXT    NOT NULL,
	PRIMARY KEY (run_id, card_id)
);`

// Journal is an append-only SQLite audit trail of migration runs. It is
// never read back by the tool.
type Journal struct {
	db *sql.DB
}

func openJournal(ctx context.Context, path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal tables: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores one run and its card outcomes in a single transaction and
// returns the run id.
func (j *Journal) Record(ctx context.Context, r *MigrationReport) (int64, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin journal tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	category := ""
	if r.Category != 0 {
		category = r.Category.String()
	}
	c := r.Counts()
	res, err := tx.ExecContext(ctx, `INSERT INTO runs
		(mode, source_id, collection_id, category, database_id, dry_run, started_at, finished_at, cards, persisted, failed, needs_review)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Mode, nullableID(r.SourceID), r.CollectionID, category, nullableID(r.DatabaseID), r.DryRun,
		r.StartedAt.UTC().Format(time.RFC3339Nano), r.FinishedAt.UTC().Format(time.RFC3339Nano),
		c.Cards, c.Persisted, c.Failed, c.NeedsReview,
	)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("run id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO card_outcomes
		(run_id, card_id, name, new_name, state, needs_review, review, unresolved, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare outcome insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range r.Cards {
		unresolved := make([]string, len(o.Unresolved))
		for i, u := range o.Unresolved {
			unresolved[i] = u.String()
		}
		errText := ""
		if o.Err != nil {
			errText = o.Err.Error()
		}
		if _, err := stmt.ExecContext(ctx,
			runID, o.CardID, o.Name, o.NewName, o.State.String(), o.NeedsReview,
			strings.Join(o.Review, "\n"), strings.Join(unresolved, "\n"), errText,
		); err != nil {
			return 0, fmt.Errorf("insert outcome of card %d: %w", o.CardID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit journal: %w", err)
	}
	return runID, nil
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
