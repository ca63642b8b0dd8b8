// Package reporting builds per-campaign postback reports from the
// ClickHouse audit log: delivery outcomes per day, the distribution of
// reported conversion values and where the converting devices were.
package reporting

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// DailyOutcomes counts postback attempts for one campaign on one day.
type DailyOutcomes struct {
	Date    time.Time `json:"date"`
	Sent    int64     `json:"sent"`
	Failed  int64     `json:"failed"`
	Dropped int64     `json:"dropped"`
	MaxCV   int       `json:"max_conversion_value"`
}

// ValueBucket is how many delivered postbacks carried one conversion value.
type ValueBucket struct {
	ConversionValue int   `json:"conversion_value"`
	Postbacks       int64 `json:"postbacks"`
}

// CountryBucket is how many delivered postbacks came from one country.
type CountryBucket struct {
	Country   string `json:"country"`
	Postbacks int64  `json:"postbacks"`
}

// Totals aggregates the daily rows. DeliveryRate is sent over all
// attempts, as a percentage.
type Totals struct {
	Sent         int64   `json:"sent"`
	Failed       int64   `json:"failed"`
	Dropped      int64   `json:"dropped"`
	DeliveryRate float64 `json:"delivery_rate"`
	MaxCV        int     `json:"max_conversion_value"`
}

// CampaignReport is the postback history of one campaign.
type CampaignReport struct {
	CampaignID string          `json:"campaign_id"`
	Days       int             `json:"days"`
	Totals     Totals          `json:"totals"`
	Daily      []DailyOutcomes `json:"daily"`
	Values     []ValueBucket   `json:"conversion_values"`
	Countries  []CountryBucket `json:"top_countries"`
}

// Summarize folds daily rows into totals.
func Summarize(daily []DailyOutcomes) Totals {
	var t Totals
	for _, d := range daily {
		t.Sent += d.Sent
		t.Failed += d.Failed
		t.Dropped += d.Dropped
		if d.MaxCV > t.MaxCV {
			t.MaxCV = d.MaxCV
		}
	}
	if attempts := t.Sent + t.Failed + t.Dropped; attempts > 0 {
		t.DeliveryRate = float64(t.Sent) / float64(attempts) * 100
	}
	return t
}

// GenerateCampaignReport queries the last days of audit rows for a campaign.
// Test-mode postbacks are excluded.
func GenerateCampaignReport(ctx context.Context, db *sql.DB, campaignID string, days int) (*CampaignReport, error) {
	report := &CampaignReport{CampaignID: campaignID, Days: days}

	daily, err := getDailyOutcomes(ctx, db, campaignID, days)
	if err != nil {
		return nil, fmt.Errorf("get daily outcomes: %w", err)
	}
	report.Daily = daily
	report.Totals = Summarize(daily)

	values, err := getValueDistribution(ctx, db, campaignID, days)
	if err != nil {
		return nil, fmt.Errorf("get value distribution: %w", err)
	}
	report.Values = values

	countries, err := getTopCountries(ctx, db, campaignID, days, 10)
	if err != nil {
		return nil, fmt.Errorf("get top countries: %w", err)
	}
	report.Countries = countries

	return report, nil
}

func getDailyOutcomes(ctx context.Context, db *sql.DB, campaignID string, days int) ([]DailyOutcomes, error) {
	query := `
		SELECT
			toDate(timestamp) as date,
			countIf(outcome = 'sent') as sent,
			countIf(outcome = 'failed') as failed,
			countIf(outcome = 'dropped') as dropped,
			toInt32(max(if(outcome = 'sent', conversion_value, 0))) as max_cv
		FROM aem_postbacks
		WHERE campaign_id = ?
			AND NOT test_mode
			AND timestamp >= now() - INTERVAL ? DAY
		GROUP BY date
		ORDER BY date DESC`

	rows, err := db.QueryContext(ctx, query, campaignID, days)
	if err != nil {
		return nil, fmt.Errorf("query daily outcomes: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []DailyOutcomes
	for rows.Next() {
		var d DailyOutcomes
		var maxCV int32
		if err := rows.Scan(&d.Date, &d.Sent, &d.Failed, &d.Dropped, &maxCV); err != nil {
			return nil, fmt.Errorf("scan daily outcomes: %w", err)
		}
		d.MaxCV = int(maxCV)
		out = append(out, d)
	}
	return out, rows.Err()
}

func getValueDistribution(ctx context.Context, db *sql.DB, campaignID string, days int) ([]ValueBucket, error) {
	query := `
		SELECT conversion_value, count() as postbacks
		FROM aem_postbacks
		WHERE campaign_id = ?
			AND outcome = 'sent'
			AND NOT test_mode
			AND timestamp >= now() - INTERVAL ? DAY
		GROUP BY conversion_value`

	rows, err := db.QueryContext(ctx, query, campaignID, days)
	if err != nil {
		return nil, fmt.Errorf("query value distribution: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []ValueBucket
	for rows.Next() {
		var b ValueBucket
		var cv int32
		if err := rows.Scan(&cv, &b.Postbacks); err != nil {
			return nil, fmt.Errorf("scan value distribution: %w", err)
		}
		b.ConversionValue = int(cv)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversionValue < out[j].ConversionValue })
	return out, nil
}

func getTopCountries(ctx context.Context, db *sql.DB, campaignID string, days int, limit int) ([]CountryBucket, error) {
	query := `
		SELECT assumeNotNull(country) as country, count() as postbacks
		FROM aem_postbacks
		WHERE campaign_id = ?
			AND outcome = 'sent'
			AND country IS NOT NULL
			AND timestamp >= now() - INTERVAL ? DAY
		GROUP BY country
		ORDER BY postbacks DESC
		LIMIT ?`

	rows, err := db.QueryContext(ctx, query, campaignID, days, limit)
	if err != nil {
		return nil, fmt.Errorf("query top countries: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []CountryBucket
	for rows.Next() {
		var c CountryBucket
		if err := rows.Scan(&c.Country, &c.Postbacks); err != nil {
			return nil, fmt.Errorf("scan top countries: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
