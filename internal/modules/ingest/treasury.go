package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/liquidity/internal/modules/series"
)

const (
	treasuryBaseURL = "https://api.fiscaldata.treasury.gov/services/api/fiscal_service"

	tgaEndpoint        = "/v1/accounting/dts/operating_cash_balance"
	auctionsEndpoint   = "/v1/accounting/od/auctions_query"
	debtTxnEndpoint    = "/v1/accounting/dts/public_debt_transactions"
	depositsWDEndpoint = "/v1/accounting/dts/deposits_withdrawals_operating_cash"

	treasuryPageSize = 1000
	treasuryMaxPages = 50
)

// TreasuryClient fetches the Treasury fiscal data API: the daily Treasury
// statement datasets and the auction query. All endpoints share the same
// paged JSON envelope.
type TreasuryClient struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewTreasuryClient creates a Treasury client. baseURL overrides the
// production API, empty means the real one.
func NewTreasuryClient(baseURL string, log zerolog.Logger) *TreasuryClient {
	if baseURL == "" {
		baseURL = treasuryBaseURL
	}
	return &TreasuryClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("source", "treasury").Logger(),
	}
}

type treasuryEnvelope struct {
	Data []map[string]any `json:"data"`
}

// fetchPages walks a paged endpoint until a short or empty page.
func (c *TreasuryClient) fetchPages(ctx context.Context, endpoint string, params url.Values) ([]map[string]any, error) {
	var combined []map[string]any
	for page := 1; page <= treasuryMaxPages; page++ {
		q := url.Values{}
		for k, vs := range params {
			q[k] = vs
		}
		q.Set("format", "json")
		q.Set("page[number]", strconv.Itoa(page))
		q.Set("page[size]", strconv.Itoa(treasuryPageSize))

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint+"?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build treasury request: %w", err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("treasury request failed: %w", err)
		}
		var envelope treasuryEnvelope
		err = json.NewDecoder(resp.Body).Decode(&envelope)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("treasury returned status %d for %s", resp.StatusCode, endpoint)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode treasury response: %w", err)
		}
		if len(envelope.Data) == 0 {
			break
		}
		combined = append(combined, envelope.Data...)
		if len(envelope.Data) < treasuryPageSize {
			break
		}
	}
	return combined, nil
}

func stringField(row map[string]any, key string) string {
	if v, ok := row[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func numericField(row map[string]any, key string) (float64, bool) {
	raw := stringField(row, key)
	if raw == "" || strings.EqualFold(raw, "null") {
		return 0, false
	}
	value, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

// TGABalances fetches the operating cash balance dataset and returns one row
// per record date for the Treasury General Account. The closing balance can
// be null; the opening balance is the fallback.
func (c *TreasuryClient) TGABalances(ctx context.Context) ([]series.UpsertRow, error) {
	params := url.Values{}
	params.Set("sort", "-record_date")
	params.Set("fields", "record_date,account_type,close_today_bal,open_today_bal")
	data, err := c.fetchPages(ctx, tgaEndpoint, params)
	if err != nil {
		return nil, err
	}
	return parseTGARows(data), nil
}

// parseTGARows filters to the TGA account type, accepting naming variants.
func parseTGARows(data []map[string]any) []series.UpsertRow {
	now := time.Now().UTC()
	var rows []series.UpsertRow
	for _, row := range data {
		acct := strings.ToLower(stringField(row, "account_type"))
		if !strings.Contains(acct, "treasury general") || !strings.Contains(acct, "account") {
			continue
		}
		value, ok := numericField(row, "close_today_bal")
		if !ok {
			value, ok = numericField(row, "open_today_bal")
		}
		if !ok {
			continue
		}
		obsDate, err := time.Parse("2006-01-02", stringField(row, "record_date"))
		if err != nil {
			continue
		}
		rows = append(rows, series.UpsertRow{
			ObservationDate: obsDate,
			FetchedAt:       now,
			ValueNumeric:    value,
		})
	}
	return rows
}

// AuctionRow is one normalized auction announcement.
type AuctionRow struct {
	AuctionDate    time.Time
	IssueDate      *time.Time
	SecurityType   string
	OfferingAmount float64
	IsBill         bool
	IsCoupon       bool
}

var couponTypes = []string{"note", "bond", "tips", "frn"}

// Auctions fetches auction schedules for the given date range.
func (c *TreasuryClient) Auctions(ctx context.Context, start, end time.Time) ([]AuctionRow, error) {
	params := url.Values{}
	params.Set("sort", "-auction_date")
	params.Set("fields", "auction_date,issue_date,security_type,security_term,offering_amt,maturity_date")
	params.Set("filter", fmt.Sprintf("auction_date:gte:%s,auction_date:lte:%s",
		start.Format("2006-01-02"), end.Format("2006-01-02")))
	data, err := c.fetchPages(ctx, auctionsEndpoint, params)
	if err != nil {
		return nil, err
	}
	return parseAuctionRows(data), nil
}

// parseAuctionRows normalizes and classifies auctions. Rows without an
// offering amount are dropped; bills are any security type containing
// "bill" (cash management bills included), coupons match note/bond/tips/frn.
func parseAuctionRows(data []map[string]any) []AuctionRow {
	var rows []AuctionRow
	for _, raw := range data {
		amount, ok := numericField(raw, "offering_amt")
		if !ok {
			continue
		}
		auctionDate, err := time.Parse("2006-01-02", stringField(raw, "auction_date"))
		if err != nil {
			continue
		}
		row := AuctionRow{
			AuctionDate:    auctionDate,
			SecurityType:   stringField(raw, "security_type"),
			OfferingAmount: amount,
		}
		if issue, err := time.Parse("2006-01-02", stringField(raw, "issue_date")); err == nil {
			row.IssueDate = &issue
		}
		secType := strings.ToLower(row.SecurityType)
		row.IsBill = strings.Contains(secType, "bill")
		for _, coupon := range couponTypes {
			if strings.Contains(secType, coupon) {
				row.IsCoupon = true
				break
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// Redemptions fetches public debt transactions and returns daily redemption
// totals for marketable and savings securities.
func (c *TreasuryClient) Redemptions(ctx context.Context) ([]series.UpsertRow, error) {
	params := url.Values{}
	params.Set("sort", "-record_date")
	params.Set("fields", "record_date,transaction_type,security_market,security_type,transaction_today_amt")
	data, err := c.fetchPages(ctx, debtTxnEndpoint, params)
	if err != nil {
		return nil, err
	}

	totals := make(map[time.Time]float64)
	for _, row := range data {
		if !strings.EqualFold(stringField(row, "transaction_type"), "redemptions") {
			continue
		}
		market := strings.ToLower(stringField(row, "security_market"))
		secType := strings.ToLower(stringField(row, "security_type"))
		if market != "marketable" && !strings.Contains(secType, "savings") {
			continue
		}
		value, ok := numericField(row, "transaction_today_amt")
		if !ok {
			continue
		}
		obsDate, err := time.Parse("2006-01-02", stringField(row, "record_date"))
		if err != nil {
			continue
		}
		totals[obsDate] += value
	}
	return dailyTotals(totals), nil
}

// InterestOutlays fetches operating cash withdrawals and returns daily totals
// for interest paid on Treasury securities.
func (c *TreasuryClient) InterestOutlays(ctx context.Context) ([]series.UpsertRow, error) {
	params := url.Values{}
	params.Set("sort", "-record_date")
	params.Set("fields", "record_date,transaction_type,transaction_catg,transaction_today_amt")
	data, err := c.fetchPages(ctx, depositsWDEndpoint, params)
	if err != nil {
		return nil, err
	}

	totals := make(map[time.Time]float64)
	for _, row := range data {
		if !strings.EqualFold(stringField(row, "transaction_type"), "withdrawals") {
			continue
		}
		category := strings.ToLower(stringField(row, "transaction_catg"))
		if !strings.Contains(category, "interest on treasury securities") {
			continue
		}
		value, ok := numericField(row, "transaction_today_amt")
		if !ok {
			continue
		}
		obsDate, err := time.Parse("2006-01-02", stringField(row, "record_date"))
		if err != nil {
			continue
		}
		totals[obsDate] += value
	}
	return dailyTotals(totals), nil
}

func dailyTotals(totals map[time.Time]float64) []series.UpsertRow {
	now := time.Now().UTC()
	rows := make([]series.UpsertRow, 0, len(totals))
	for obsDate, value := range totals {
		rows = append(rows, series.UpsertRow{
			ObservationDate: obsDate,
			FetchedAt:       now,
			ValueNumeric:    value,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ObservationDate.Before(rows[j].ObservationDate) })
	return rows
}
