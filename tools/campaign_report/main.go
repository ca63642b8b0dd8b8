// Campaign Report prints the postback history of one AEM campaign from the
// ClickHouse audit log.
//
// Usage:
//
//	go run ./tools/campaign_report -campaign=123456 -days=30
//
// The report shows delivered, failed and dropped postbacks per day, the
// conversion values that reached the ad network and the top countries of
// converting devices.
//
// Configuration:
//
//	-campaign: Required. Campaign ID carried by the app link
//	-days: Optional. Number of days to include (default: 7)
//	-clickhouse-dsn: Optional. Defaults to CLICKHOUSE_DSN or tcp://localhost:9000
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/patrickwarner/openaem/internal/analytics"
	"github.com/patrickwarner/openaem/internal/reporting"
)

func main() {
	var (
		campaign = flag.String("campaign", "", "Campaign ID to generate report for")
		days     = flag.Int("days", 7, "Number of days to include in report")
		dsn      = flag.String("clickhouse-dsn", getEnv("CLICKHOUSE_DSN", "tcp://localhost:9000"), "ClickHouse DSN")
	)
	flag.Parse()

	if *campaign == "" {
		fmt.Fprintf(os.Stderr, "Error: campaign is required\n")
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	a, err := analytics.InitClickHouse(ctx, *dsn, 2, 1, 5*time.Minute, time.Minute)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to ClickHouse: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	report, err := reporting.GenerateCampaignReport(ctx, a.DB, *campaign, *days)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating report: %v\n", err)
		os.Exit(1)
	}

	printCampaignReport(report)
}

func printCampaignReport(r *reporting.CampaignReport) {
	rule := strings.Repeat("─", 72)
	fmt.Println(strings.Repeat("═", 72))
	fmt.Println("                         AEM POSTBACK REPORT")
	fmt.Println(strings.Repeat("═", 72))
	fmt.Printf("Campaign ID: %s\n", r.CampaignID)
	fmt.Printf("Report Period: %d days (ending %s)\n\n", r.Days, time.Now().Format("2006-01-02"))

	t := r.Totals
	fmt.Println("DELIVERY")
	fmt.Println(rule)
	fmt.Printf("Sent:           %s\n", formatNumber(t.Sent))
	fmt.Printf("Failed:         %s\n", formatNumber(t.Failed))
	fmt.Printf("Dropped:        %s\n", formatNumber(t.Dropped))
	fmt.Printf("Delivery rate:  %.2f%%\n", t.DeliveryRate)
	fmt.Printf("Highest value:  %d\n\n", t.MaxCV)

	if len(r.Daily) > 0 {
		fmt.Println("DAILY BREAKDOWN")
		fmt.Println(rule)
		fmt.Println("Date       |    Sent |  Failed | Dropped | Max CV")
		fmt.Println("-----------|---------|---------|---------|-------")
		for _, d := range r.Daily {
			fmt.Printf("%-10s | %7s | %7s | %7s | %6d\n",
				d.Date.Format("2006-01-02"),
				formatNumber(d.Sent),
				formatNumber(d.Failed),
				formatNumber(d.Dropped),
				d.MaxCV,
			)
		}
		fmt.Println()
	}

	if len(r.Values) > 0 {
		fmt.Println("CONVERSION VALUES")
		fmt.Println(rule)
		for _, v := range r.Values {
			fmt.Printf("cv %2d  %s\n", v.ConversionValue, formatNumber(v.Postbacks))
		}
		fmt.Println()
	}

	if len(r.Countries) > 0 {
		fmt.Println("TOP COUNTRIES")
		fmt.Println(rule)
		for _, c := range r.Countries {
			fmt.Printf("%-3s %s\n", c.Country, formatNumber(c.Postbacks))
		}
		fmt.Println()
	}

	if t.Dropped > 0 {
		fmt.Printf("%d postbacks were dropped after exhausting retries; check Graph API availability\n", t.Dropped)
	}
	fmt.Println(strings.Repeat("═", 72))
}

// formatNumber adds thousands separators: 1234567 becomes "1,234,567".
func formatNumber(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}
	var b strings.Builder
	for i, digit := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(digit)
	}
	return b.String()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
