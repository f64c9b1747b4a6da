package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/liquidity/internal/database"
)

// Repository persists indicator specs and QT caps. List results are cached
// until the next write since the registry changes rarely and is read on
// every snapshot computation.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger

	mu     sync.Mutex
	cached []IndicatorSpec
}

// NewRepository creates a new registry repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "registry").Logger(),
	}
}

// Upsert writes the given specs, replacing existing rows with the same id.
func (r *Repository) Upsert(specs []IndicatorSpec) (int, error) {
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO indicator_registry (
				indicator_id, name, category, series_json, cadence, directionality,
				trigger_default, scoring, z_cutoff, persistence, duplicates_of,
				poll_window_et, slo_minutes, notes
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (indicator_id) DO UPDATE SET
				name = excluded.name,
				category = excluded.category,
				series_json = excluded.series_json,
				cadence = excluded.cadence,
				directionality = excluded.directionality,
				trigger_default = excluded.trigger_default,
				scoring = excluded.scoring,
				z_cutoff = excluded.z_cutoff,
				persistence = excluded.persistence,
				duplicates_of = excluded.duplicates_of,
				poll_window_et = excluded.poll_window_et,
				slo_minutes = excluded.slo_minutes,
				notes = excluded.notes
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare registry upsert: %w", err)
		}
		defer stmt.Close()

		for _, spec := range specs {
			seriesJSON, err := json.Marshal(spec.Series)
			if err != nil {
				return fmt.Errorf("failed to marshal series for %s: %w", spec.IndicatorID, err)
			}
			scoring := spec.Scoring
			if scoring == "" {
				scoring = "z"
			}
			_, err = stmt.Exec(
				spec.IndicatorID, spec.Name, spec.Category, string(seriesJSON),
				spec.Cadence, spec.Directionality, spec.TriggerDefault, scoring,
				spec.ZCutoff, spec.Persistence, spec.DuplicatesOf,
				spec.PollWindowET, spec.SLOMinutes, spec.Notes,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert indicator %s: %w", spec.IndicatorID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()

	r.log.Info().Int("count", len(specs)).Msg("Registry upserted")
	return len(specs), nil
}

// List returns all indicator specs ordered by indicator id.
func (r *Repository) List() ([]IndicatorSpec, error) {
	r.mu.Lock()
	if r.cached != nil {
		specs := r.cached
		r.mu.Unlock()
		return specs, nil
	}
	r.mu.Unlock()

	rows, err := r.db.Query(`
		SELECT indicator_id, name, category, series_json, cadence, directionality,
		       trigger_default, scoring, z_cutoff, persistence, duplicates_of,
		       poll_window_et, slo_minutes, notes
		FROM indicator_registry
		ORDER BY indicator_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query registry: %w", err)
	}
	defer rows.Close()

	var specs []IndicatorSpec
	for rows.Next() {
		var spec IndicatorSpec
		var seriesJSON string
		err := rows.Scan(
			&spec.IndicatorID, &spec.Name, &spec.Category, &seriesJSON,
			&spec.Cadence, &spec.Directionality, &spec.TriggerDefault, &spec.Scoring,
			&spec.ZCutoff, &spec.Persistence, &spec.DuplicatesOf,
			&spec.PollWindowET, &spec.SLOMinutes, &spec.Notes,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan indicator spec: %w", err)
		}
		if err := json.Unmarshal([]byte(seriesJSON), &spec.Series); err != nil {
			return nil, fmt.Errorf("bad series_json for %s: %w", spec.IndicatorID, err)
		}
		specs = append(specs, spec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating registry: %w", err)
	}

	r.mu.Lock()
	r.cached = specs
	r.mu.Unlock()
	return specs, nil
}

// Get returns one spec by id, or nil when absent.
func (r *Repository) Get(indicatorID string) (*IndicatorSpec, error) {
	specs, err := r.List()
	if err != nil {
		return nil, err
	}
	for i := range specs {
		if specs[i].IndicatorID == indicatorID {
			return &specs[i], nil
		}
	}
	return nil, nil
}

// CapsForDate returns the QT caps in effect on the given date (the row with
// the latest effective_date not after it), or nil when none apply.
func (r *Repository) CapsForDate(date string) (*QTCaps, error) {
	var caps QTCaps
	err := r.db.QueryRow(`
		SELECT effective_date, ust_cap_usd_week, mbs_cap_usd_week
		FROM qt_caps
		WHERE effective_date <= ?
		ORDER BY effective_date DESC
		LIMIT 1
	`, date).Scan(&caps.EffectiveDate, &caps.USTCapUSDWeek, &caps.MBSCapUSDWeek)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query qt caps: %w", err)
	}
	return &caps, nil
}

// UpsertCaps writes one QT caps row keyed by effective date.
func (r *Repository) UpsertCaps(caps QTCaps) error {
	_, err := r.db.Exec(`
		INSERT INTO qt_caps (effective_date, ust_cap_usd_week, mbs_cap_usd_week)
		VALUES (?, ?, ?)
		ON CONFLICT (effective_date) DO UPDATE SET
			ust_cap_usd_week = excluded.ust_cap_usd_week,
			mbs_cap_usd_week = excluded.mbs_cap_usd_week
	`, caps.EffectiveDate, caps.USTCapUSDWeek, caps.MBSCapUSDWeek)
	if err != nil {
		return fmt.Errorf("failed to upsert qt caps: %w", err)
	}
	return nil
}
