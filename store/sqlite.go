// Package store persists the compacting state that outlives a process:
// current reputation per subject and the archive of finalized
// consensus decisions. Unlike the append-only journals, these tables
// are upserted in place; the journals remain the forensic record.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/crestline-labs/baseline/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS reputation (
	subject_id  TEXT PRIMARY KEY,
	weight      REAL NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS decisions (
	id              TEXT PRIMARY KEY,
	level           INTEGER NOT NULL,
	scope           TEXT NOT NULL,
	epoch           INTEGER NOT NULL,
	proposal_id     TEXT NOT NULL,
	state           TEXT NOT NULL,
	mean            TEXT NOT NULL,
	variance        TEXT NOT NULL,
	sample_count    INTEGER NOT NULL,
	accept_fraction REAL NOT NULL,
	threshold       REAL NOT NULL,
	audit_root      TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	UNIQUE(level, scope, epoch)
);

CREATE INDEX IF NOT EXISTS idx_decisions_epoch ON decisions(epoch);
`

// ErrNotFound is returned for missing rows.
var ErrNotFound = eris.New("not found")

// ReputationRow is one persisted reputation entry.
type ReputationRow struct {
	SubjectID string
	Weight    float64
	UpdatedAt time.Time
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "failed to open database")
	}
	// modernc sqlite serializes internally; a single connection avoids
	// SQLITE_BUSY on concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "failed to run migration")
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertReputation writes a subject's current weight.
func (s *Store) UpsertReputation(ctx context.Context, subjectID string, weight float64, updatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reputation (subject_id, weight, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(subject_id) DO UPDATE SET
			weight = excluded.weight,
			updated_at = excluded.updated_at`,
		subjectID, weight, updatedAt.UnixNano(),
	)
	if err != nil {
		return eris.Wrapf(err, "failed to upsert reputation for %s", subjectID)
	}
	return nil
}

// LoadReputations returns every persisted reputation row.
func (s *Store) LoadReputations(ctx context.Context) ([]ReputationRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT subject_id, weight, updated_at FROM reputation`)
	if err != nil {
		return nil, eris.Wrap(err, "failed to query reputation")
	}
	defer rows.Close()

	var out []ReputationRow
	for rows.Next() {
		var (
			row ReputationRow
			ns  int64
		)
		if err := rows.Scan(&row.SubjectID, &row.Weight, &ns); err != nil {
			return nil, eris.Wrap(err, "failed to scan reputation row")
		}
		row.UpdatedAt = time.Unix(0, ns)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "reputation row iteration failed")
	}
	return out, nil
}

// SaveDecision archives a finalized decision. Saving the same
// (level, scope, epoch) twice keeps the first row; decisions are
// terminal.
func (s *Store) SaveDecision(ctx context.Context, d *types.ConsensusDecision) error {
	mean, err := json.Marshal(d.Summary.Mean)
	if err != nil {
		return eris.Wrap(err, "failed to encode mean")
	}
	variance, err := json.Marshal(d.Summary.Variance)
	if err != nil {
		return eris.Wrap(err, "failed to encode variance")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions
			(id, level, scope, epoch, proposal_id, state, mean, variance,
			 sample_count, accept_fraction, threshold, audit_root, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(level, scope, epoch) DO NOTHING`,
		uuid.NewString(), int(d.Level), d.Scope, d.Epoch, d.ProposalID, d.State.String(),
		string(mean), string(variance), d.Summary.SampleCount,
		d.AcceptFraction, d.Threshold, d.AuditRoot.String(), time.Now().UnixNano(),
	)
	if err != nil {
		return eris.Wrapf(err, "failed to archive decision %s/%s/%d", d.Level, d.Scope, d.Epoch)
	}
	return nil
}

// GetDecision loads an archived decision.
func (s *Store) GetDecision(ctx context.Context, level types.Level, scope string, epoch uint64) (*types.ConsensusDecision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT proposal_id, state, mean, variance, sample_count,
		       accept_fraction, threshold, audit_root
		FROM decisions WHERE level = ? AND scope = ? AND epoch = ?`,
		int(level), scope, epoch,
	)

	var (
		d         types.ConsensusDecision
		state     string
		mean      string
		variance  string
		auditRoot string
	)
	d.Level = level
	d.Scope = scope
	d.Epoch = epoch
	err := row.Scan(&d.ProposalID, &state, &mean, &variance,
		&d.Summary.SampleCount, &d.AcceptFraction, &d.Threshold, &auditRoot)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "decision %s/%s/%d", level, scope, epoch)
	}
	if err != nil {
		return nil, eris.Wrap(err, "failed to load decision")
	}

	parsed, err := types.ParseDecisionState(state)
	if err != nil {
		return nil, eris.Wrap(err, "corrupt decision state")
	}
	d.State = parsed

	if err := json.Unmarshal([]byte(mean), &d.Summary.Mean); err != nil {
		return nil, eris.Wrap(err, "corrupt mean column")
	}
	if err := json.Unmarshal([]byte(variance), &d.Summary.Variance); err != nil {
		return nil, eris.Wrap(err, "corrupt variance column")
	}
	if d.AuditRoot, err = types.ParseHash(auditRoot); err != nil {
		return nil, eris.Wrap(err, "corrupt audit root column")
	}
	return &d, nil
}

// LatestEpoch returns the newest archived epoch for a level, or 0.
func (s *Store) LatestEpoch(ctx context.Context, level types.Level) (uint64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(epoch), 0) FROM decisions WHERE level = ?`, int(level))
	var epoch uint64
	if err := row.Scan(&epoch); err != nil {
		return 0, eris.Wrap(err, "failed to query latest epoch")
	}
	return epoch, nil
}
