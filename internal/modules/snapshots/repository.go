package snapshots

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/liquidity/internal/database"
)

// Repository persists snapshots, their frozen inputs and the events log.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new snapshot repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "snapshots").Logger(),
	}
}

// DeleteDay removes saved snapshots for the horizon on the given calendar
// day. Indicator rows cascade.
func (r *Repository) DeleteDay(horizon string, asOf time.Time) error {
	_, err := r.db.Exec(
		`DELETE FROM snapshots WHERE horizon = ? AND DATE(as_of) = ?`,
		horizon, asOf.UTC().Format("2006-01-02"),
	)
	if err != nil {
		return fmt.Errorf("failed to delete snapshots for day: %w", err)
	}
	return nil
}

// Save persists a computed snapshot: the frozen inputs, the snapshot row and
// one indicator row per evaluated indicator, in a single transaction.
// Returns the frozen inputs id.
func (r *Repository) Save(result *Result, frozen []FrozenInput) (string, error) {
	frozenID := uuid.NewString()
	snapshotID := uuid.NewString()

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		inputsJSON, err := json.Marshal(frozen)
		if err != nil {
			return fmt.Errorf("failed to marshal frozen inputs: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO frozen_inputs (frozen_inputs_id, inputs_json) VALUES (?, ?)`,
			frozenID, string(inputsJSON),
		); err != nil {
			return fmt.Errorf("failed to insert frozen inputs: %w", err)
		}

		if _, err := tx.Exec(`
			INSERT INTO snapshots (snapshot_id, as_of, horizon, frozen_inputs_id, regime_label, tilt, score, max_score)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, snapshotID, result.AsOf, result.Horizon, frozenID,
			result.Regime.Label, result.Regime.Tilt, result.Regime.Score, result.Regime.MaxScore,
		); err != nil {
			return fmt.Errorf("failed to insert snapshot: %w", err)
		}

		stmt, err := tx.Prepare(`
			INSERT INTO snapshot_indicators (snapshot_id, indicator_id, value_numeric, window, z20, status, flip_trigger, provenance_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare indicator insert: %w", err)
		}
		defer stmt.Close()

		for _, row := range result.allIndicators {
			provJSON, err := json.Marshal(row.Provenance)
			if err != nil {
				return fmt.Errorf("failed to marshal provenance for %s: %w", row.ID, err)
			}
			value := 0.0
			if row.ValueNumeric != nil {
				value = *row.ValueNumeric
			}
			if _, err := stmt.Exec(
				snapshotID, row.ID, value, row.Window, row.Z20,
				row.Status, row.FlipTrigger, string(provJSON),
			); err != nil {
				return fmt.Errorf("failed to insert indicator row %s: %w", row.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	r.log.Debug().
		Str("snapshot_id", snapshotID).
		Str("horizon", result.Horizon).
		Int("indicators", len(result.allIndicators)).
		Msg("Snapshot saved")
	return frozenID, nil
}

// History returns saved snapshots for a horizon within the last days days
// (all when days <= 0), deduplicated to the last snapshot per calendar day,
// ascending. slim drops the ids.
func (r *Repository) History(horizon string, days int, slim bool) ([]HistoryItem, error) {
	query := `
		SELECT snapshot_id, as_of, frozen_inputs_id, regime_label, tilt, score, max_score
		FROM snapshots
		WHERE horizon = ?
	`
	args := []any{horizon}
	if days > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -days)
		query += " AND as_of >= ?"
		args = append(args, cutoff.Format(time.RFC3339))
	}
	query += " ORDER BY as_of ASC"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot history: %w", err)
	}
	defer rows.Close()

	// Ascending order makes the last row per day win.
	byDay := make(map[string]HistoryItem)
	var order []string
	for rows.Next() {
		var item HistoryItem
		var snapshotID, frozenID string
		if err := rows.Scan(&snapshotID, &item.AsOf, &frozenID,
			&item.Regime.Label, &item.Regime.Tilt, &item.Regime.Score, &item.Regime.MaxScore); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot history row: %w", err)
		}
		if !slim {
			item.SnapshotID = snapshotID
			item.FrozenInputsID = frozenID
		}
		day := item.AsOf
		if len(day) >= 10 {
			day = day[:10]
		}
		if _, seen := byDay[day]; !seen {
			order = append(order, day)
		}
		byDay[day] = item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot history: %w", err)
	}

	items := make([]HistoryItem, 0, len(order))
	for _, day := range order {
		items = append(items, byDay[day])
	}
	return items, nil
}

// IndicatorHistory returns one saved state per day for an indicator within a
// horizon, ascending.
func (r *Repository) IndicatorHistory(indicatorID, horizon string, days int) ([]IndicatorHistoryItem, error) {
	query := `
		SELECT s.as_of, si.value_numeric, si.z20, si.status, si.flip_trigger
		FROM snapshots s
		JOIN snapshot_indicators si ON si.snapshot_id = s.snapshot_id
		WHERE si.indicator_id = ? AND s.horizon = ?
	`
	args := []any{indicatorID, horizon}
	if days > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -days)
		query += " AND s.as_of >= ?"
		args = append(args, cutoff.Format(time.RFC3339))
	}
	query += " ORDER BY s.as_of ASC"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query indicator history: %w", err)
	}
	defer rows.Close()

	byDay := make(map[string]IndicatorHistoryItem)
	var order []string
	for rows.Next() {
		var item IndicatorHistoryItem
		var value sql.NullFloat64
		var z20 sql.NullFloat64
		if err := rows.Scan(&item.AsOf, &value, &z20, &item.Status, &item.FlipTrigger); err != nil {
			return nil, fmt.Errorf("failed to scan indicator history row: %w", err)
		}
		if value.Valid {
			item.ValueNumeric = &value.Float64
		}
		if z20.Valid {
			item.Z20 = &z20.Float64
		}
		day := item.AsOf
		if len(day) >= 10 {
			day = day[:10]
		}
		if _, seen := byDay[day]; !seen {
			order = append(order, day)
		}
		byDay[day] = item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating indicator history: %w", err)
	}

	items := make([]IndicatorHistoryItem, 0, len(order))
	for _, day := range order {
		items = append(items, byDay[day])
	}
	return items, nil
}

// LogEvent appends a row to the events log. Failures are logged, not
// returned; the log is best-effort bookkeeping.
func (r *Repository) LogEvent(eventType, target, status, details string) {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.Exec(`
		INSERT INTO events_log (event_type, series_or_indicator, started_at, finished_at, status, details)
		VALUES (?, ?, ?, ?, ?, ?)
	`, eventType, nullIfEmpty(target), now, now, status, nullIfEmpty(details))
	if err != nil {
		r.log.Error().Err(err).Str("event_type", eventType).Msg("Failed to write events log")
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
