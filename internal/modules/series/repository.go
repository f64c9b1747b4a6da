package series

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/liquidity/internal/database"
)

// recencyKey orders vintages of the same observation, newest first. Every
// read path that has to choose between vintages uses exactly this ordering.
const recencyKey = `COALESCE(vintage_date, date(publication_date), date(fetched_at)) DESC, fetched_at DESC`

const pointColumns = `vintage_id, series_id, observation_date, vintage_date, publication_date,
       fetched_at, value_numeric, units, scale, source, source_url, source_version`

// Repository handles vintage persistence and the as-of read paths.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new series repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "series").Logger(),
	}
}

// UpsertPoints stores a batch of rows for one series, idempotently.
//
// A row is the "same vintage" as an existing one when series_id,
// observation_date, vintage_date and publication_date all match, with NULLs
// comparing equal. SQLite's unique indexes treat NULLs as distinct, so the
// null-aware match is done here with an IS-NULL-tolerant lookup inside a
// single transaction. Matching rows are updated in place (value, fetched_at,
// metadata); new vintages get a fresh vintage_id.
//
// Returns the number of rows inserted (updates of existing vintages do not
// count).
func (r *Repository) UpsertPoints(seriesID, units string, scale float64, source string, sourceURL, sourceVersion *string, rows []UpsertRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	inserted := 0
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		selectStmt, err := tx.Prepare(`
			SELECT vintage_id FROM series_vintages
			WHERE series_id = ?
			  AND observation_date = ?
			  AND ((vintage_date IS NULL AND ? IS NULL) OR vintage_date = ?)
			  AND ((publication_date IS NULL AND ? IS NULL) OR publication_date = ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare vintage lookup: %w", err)
		}
		defer selectStmt.Close()

		insertStmt, err := tx.Prepare(`
			INSERT INTO series_vintages (` + pointColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare vintage insert: %w", err)
		}
		defer insertStmt.Close()

		updateStmt, err := tx.Prepare(`
			UPDATE series_vintages
			SET value_numeric = ?, fetched_at = ?, units = ?, scale = ?,
			    source = ?, source_url = ?, source_version = ?
			WHERE vintage_id = ?
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare vintage update: %w", err)
		}
		defer updateStmt.Close()

		for _, row := range rows {
			obsDate := row.ObservationDate.Format(dateLayout)
			vintageDate := formatDatePtr(row.VintageDate)
			pubDate := formatDatePtr(row.PublicationDate)
			fetchedAt := row.FetchedAt
			if fetchedAt.IsZero() {
				fetchedAt = time.Now().UTC()
			}
			fetchedStr := fetchedAt.UTC().Format(time.RFC3339)

			var existingID string
			err := selectStmt.QueryRow(seriesID, obsDate, vintageDate, vintageDate, pubDate, pubDate).Scan(&existingID)
			switch {
			case err == sql.ErrNoRows:
				_, err = insertStmt.Exec(
					uuid.NewString(), seriesID, obsDate, vintageDate, pubDate,
					fetchedStr, row.ValueNumeric, units, scale, source, sourceURL, sourceVersion,
				)
				if err != nil {
					return fmt.Errorf("failed to insert vintage for %s@%s: %w", seriesID, obsDate, err)
				}
				inserted++
			case err != nil:
				return fmt.Errorf("failed to look up vintage for %s@%s: %w", seriesID, obsDate, err)
			default:
				_, err = updateStmt.Exec(
					row.ValueNumeric, fetchedStr, units, scale, source, sourceURL, sourceVersion,
					existingID,
				)
				if err != nil {
					return fmt.Errorf("failed to update vintage %s: %w", existingID, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.log.Debug().
		Str("series_id", seriesID).
		Int("rows", len(rows)).
		Int("inserted", inserted).
		Msg("Upserted series points")
	return inserted, nil
}

// LatestPoints returns the best-known points of a series ascending by
// observation date. limit <= 0 means no limit; otherwise the most recent
// limit observations are returned (still ascending).
func (r *Repository) LatestPoints(seriesID string, limit int) ([]Point, error) {
	query := `
		SELECT ` + pointColumns + `
		FROM series_latest
		WHERE series_id = ?
		ORDER BY observation_date ASC
	`
	if limit > 0 {
		query = `
			SELECT ` + pointColumns + ` FROM (
				SELECT ` + pointColumns + `
				FROM series_latest
				WHERE series_id = ?
				ORDER BY observation_date DESC
				LIMIT ` + fmt.Sprintf("%d", limit) + `
			) ORDER BY observation_date ASC
		`
	}

	rows, err := r.db.Query(query, seriesID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest points for %s: %w", seriesID, err)
	}
	defer rows.Close()

	return scanPoints(rows)
}

// PointsBetween returns best-known points with observation dates inside
// [start, end]. Either bound may be nil.
func (r *Repository) PointsBetween(seriesID string, start, end *time.Time) ([]Point, error) {
	query := `
		SELECT ` + pointColumns + `
		FROM series_latest
		WHERE series_id = ?
	`
	args := []any{seriesID}
	if start != nil {
		query += " AND observation_date >= ?"
		args = append(args, start.Format(dateLayout))
	}
	if end != nil {
		query += " AND observation_date <= ?"
		args = append(args, end.Format(dateLayout))
	}
	query += " ORDER BY observation_date ASC"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query points for %s: %w", seriesID, err)
	}
	defer rows.Close()

	return scanPoints(rows)
}

// LatestForSeries returns the single most recent best-known point per series,
// keyed by series id. Series with no data are absent from the map.
func (r *Repository) LatestForSeries(seriesIDs []string) (map[string]Point, error) {
	out := make(map[string]Point, len(seriesIDs))
	for _, id := range seriesIDs {
		points, err := r.LatestPoints(id, 1)
		if err != nil {
			return nil, err
		}
		if len(points) > 0 {
			out[id] = points[len(points)-1]
		}
	}
	return out, nil
}

// AsOfFetched replays the series as it was known at asOf: only vintages
// fetched at or before asOf participate, and the best-known rule picks among
// them. Ascending by observation date, most recent limit observations.
func (r *Repository) AsOfFetched(seriesID string, asOf time.Time, limit int) ([]Point, error) {
	return r.asOfQuery(seriesID, "sv.fetched_at <= ?", asOf.UTC().Format(time.RFC3339), limit)
}

// AsOfPublication replays the series restricted to vintages whose effective
// publication date (vintage_date, else publication_date, else fetched_at,
// day precision) is on or before asOf's date.
func (r *Repository) AsOfPublication(seriesID string, asOf time.Time, limit int) ([]Point, error) {
	return r.asOfQuery(seriesID,
		"COALESCE(sv.vintage_date, date(sv.publication_date), date(sv.fetched_at)) <= ?",
		asOf.UTC().Format(dateLayout), limit)
}

// UpToObservationDate returns best-known points whose observation date is on
// or before asOf's date. No vintage filtering: the latest knowledge about
// old observations applies.
func (r *Repository) UpToObservationDate(seriesID string, asOf time.Time, limit int) ([]Point, error) {
	query := `
		SELECT ` + pointColumns + ` FROM (
			SELECT ` + pointColumns + `
			FROM series_latest
			WHERE series_id = ? AND observation_date <= ?
			ORDER BY observation_date DESC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	query += `) ORDER BY observation_date ASC`

	rows, err := r.db.Query(query, seriesID, asOf.UTC().Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to query observations for %s: %w", seriesID, err)
	}
	defer rows.Close()

	return scanPoints(rows)
}

// asOfQuery applies a vintage filter, re-resolves best-known per observation
// among the surviving vintages, and returns the most recent limit
// observations ascending.
func (r *Repository) asOfQuery(seriesID, filter string, filterArg any, limit int) ([]Point, error) {
	query := `
		SELECT ` + pointColumns + ` FROM (
			SELECT ` + pointColumns + ` FROM (
				SELECT sv.*,
				       ROW_NUMBER() OVER (
				           PARTITION BY sv.observation_date
				           ORDER BY ` + recencyKey + `
				       ) AS rn
				FROM series_vintages sv
				WHERE sv.series_id = ? AND ` + filter + `
			) WHERE rn = 1
			ORDER BY observation_date DESC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	query += `) ORDER BY observation_date ASC`

	rows, err := r.db.Query(query, seriesID, filterArg)
	if err != nil {
		return nil, fmt.Errorf("failed as-of query for %s: %w", seriesID, err)
	}
	defer rows.Close()

	return scanPoints(rows)
}

// DistinctSeriesIDs returns every series id present in the store, sorted.
func (r *Repository) DistinctSeriesIDs() ([]string, error) {
	rows, err := r.db.Query(`SELECT DISTINCT series_id FROM series_vintages ORDER BY series_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list series ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan series id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating series ids: %w", err)
	}
	return ids, nil
}

// scanPoints scans rows selected with pointColumns.
func scanPoints(rows *sql.Rows) ([]Point, error) {
	var points []Point
	for rows.Next() {
		var p Point
		var obsDate, fetchedAt string
		var vintageDate, pubDate sql.NullString

		err := rows.Scan(
			&p.VintageID, &p.SeriesID, &obsDate, &vintageDate, &pubDate,
			&fetchedAt, &p.ValueNumeric, &p.Units, &p.Scale, &p.Source,
			&p.SourceURL, &p.SourceVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan series point: %w", err)
		}

		if p.ObservationDate, err = time.Parse(dateLayout, obsDate); err != nil {
			return nil, fmt.Errorf("bad observation_date %q: %w", obsDate, err)
		}
		if p.FetchedAt, err = time.Parse(time.RFC3339, fetchedAt); err != nil {
			return nil, fmt.Errorf("bad fetched_at %q: %w", fetchedAt, err)
		}
		if p.VintageDate, err = parseDatePtr(vintageDate); err != nil {
			return nil, err
		}
		if p.PublicationDate, err = parseTimePtr(pubDate); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating series points: %w", err)
	}
	return points, nil
}

func formatDatePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(dateLayout)
	return &s
}

func parseDatePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, ns.String)
	if err != nil {
		return nil, fmt.Errorf("bad date %q: %w", ns.String, err)
	}
	return &t, nil
}

// parseTimePtr accepts either a bare date or a full RFC3339 timestamp.
// Publication dates arrive in both shapes depending on the source.
func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, ns.String); err == nil {
		return &t, nil
	}
	t, err := time.Parse(dateLayout, ns.String)
	if err != nil {
		return nil, fmt.Errorf("bad timestamp %q: %w", ns.String, err)
	}
	return &t, nil
}
