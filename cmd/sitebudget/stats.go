package main

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goodtune/sitebudget/internal/budget"
	"github.com/goodtune/sitebudget/internal/engine"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show today's usage",
	Long:  `Print today's usage per domain and category from the persisted state.`,
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Print the raw statistics as JSON")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	eng, _, store, err := loadState(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	stats := eng.GetStats(ctx, engine.StatsOptions{Detailed: true})

	if statsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	printStats(stats)
	return nil
}

type usageRow struct {
	name    string
	minutes float64
}

// sortedRows orders m by minutes, largest first
func sortedRows(m map[string]float64) []usageRow {
	rows := make([]usageRow, 0, len(m))
	for name, minutes := range m {
		rows = append(rows, usageRow{name, minutes})
	}
	slices.SortFunc(rows, func(a, b usageRow) int {
		if c := cmp.Compare(b.minutes, a.minutes); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})
	return rows
}

func printStats(s engine.Stats) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	statusColor := green
	switch s.Status {
	case budget.StatusWarning:
		statusColor = yellow
	case budget.StatusExceeded:
		statusColor = red
	}

	fmt.Println()
	cyan.Printf("USAGE FOR %s\n", s.Day)
	cyan.Println(strings.Repeat("━", 50))

	d := s.Details
	fmt.Printf("Tracking:   %v\n", s.IsTracking)
	fmt.Printf("Used:       %.1f / %d min\n", d.TotalMinutes, d.LimitMinutes)
	fmt.Printf("Remaining:  %.1f min\n", d.RemainingMinutes)
	fmt.Print("Status:     ")
	statusColor.Printf("%s (%.0f%%)\n", strings.ToUpper(string(s.Status)), s.PercentageUsed)
	if s.ResetCount > 0 {
		fmt.Printf("Resets:     %d\n", s.ResetCount)
	}
	if s.SyncQueueLength > 0 {
		fmt.Printf("Unsynced:   %d session(s)\n", s.SyncQueueLength)
	}
	if !s.LastSaved.IsZero() {
		fmt.Printf("Last saved: %s\n", s.LastSaved.Local().Format("2006-01-02 15:04:05"))
	}

	if len(d.DomainMinutes) > 0 {
		fmt.Println()
		cyan.Println("[domains]")
		for _, row := range sortedRows(d.DomainMinutes) {
			fmt.Printf("  %-32s %7.1f min\n", row.name, row.minutes)
		}
	}

	if len(d.CategoryMinutes) > 0 {
		fmt.Println()
		cyan.Println("[categories]")
		for _, row := range sortedRows(d.CategoryMinutes) {
			fmt.Printf("  %-32s %7.1f min\n", row.name, row.minutes)
		}
	}
	fmt.Println()
}
