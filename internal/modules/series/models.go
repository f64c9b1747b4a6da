// Package series implements the bitemporal series store.
//
// Every observed vintage of every observation is kept: multiple rows per
// (series_id, observation_date) are legal and represent successive vintages.
// Reads resolve "best-known" rows via the recency key
// (COALESCE(vintage_date, date(publication_date), date(fetched_at)), fetched_at)
// compared descending. That tie-break is the only one and is applied in every
// read path.
package series

import "time"

const dateLayout = "2006-01-02"

// Point is a row in the series_vintages table: one vintage of one observation.
type Point struct {
	VintageID       string
	SeriesID        string
	ObservationDate time.Time
	VintageDate     *time.Time
	PublicationDate *time.Time
	FetchedAt       time.Time
	ValueNumeric    float64
	Units           string
	Scale           float64
	Source          string
	SourceURL       *string
	SourceVersion   *string
}

// ScaledValue returns value_numeric multiplied by the row's scale.
func (p Point) ScaledValue() float64 {
	if p.Scale == 0 {
		return p.ValueNumeric
	}
	return p.ValueNumeric * p.Scale
}

// UpsertRow is the caller-supplied portion of a row. Metadata shared by the
// batch (units, scale, source) is passed alongside on UpsertPoints.
type UpsertRow struct {
	ObservationDate time.Time
	VintageDate     *time.Time
	PublicationDate *time.Time
	FetchedAt       time.Time // zero value defaults to now
	ValueNumeric    float64
}
