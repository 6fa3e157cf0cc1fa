package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goodtune/sitebudget/internal/budget"
	"github.com/goodtune/sitebudget/internal/classify"
	"github.com/goodtune/sitebudget/internal/domain"
)

var checkMinutes int

var checkCmd = &cobra.Command{
	Use:   "check [flags] URL",
	Short: "Check a URL against today's budget",
	Long: `Evaluate a URL or domain against the configured budget and today's
persisted usage. With --minutes, show what the evaluation would be after that
much more time on the site.`,
	Example: `  sitebudget -c config.yaml check https://www.reddit.com/r/golang
  sitebudget check --minutes 15 youtube.com`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().IntVar(&checkMinutes, "minutes", 0, "Additional minutes to project onto the site")
	rootCmd.AddCommand(checkCmd)
}

// checkReport is everything printCheckResult shows
type checkReport struct {
	Host     string
	Tracked  bool
	Site     domain.Site
	Category string
	Extra    time.Duration
	Result   budget.Result
}

func runCheck(cmd *cobra.Command, args []string) error {
	host := domain.Normalize(domain.Extract(args[0]))
	if !domain.IsValid(host) {
		return fmt.Errorf("invalid URL or domain: %s", args[0])
	}
	if checkMinutes < 0 {
		return fmt.Errorf("--minutes must not be negative")
	}

	ctx := context.Background()
	eng, classifier, store, err := loadState(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	site, tracked := eng.Sites().Match(host)
	extra := time.Duration(checkMinutes) * time.Minute

	printCheckResult(checkReport{
		Host:     host,
		Tracked:  tracked,
		Site:     site,
		Category: classify.CategoryFor(ctx, classifier, site, host),
		Extra:    extra,
		Result:   eng.Project(host, extra),
	})
	return nil
}

// printCheckResult prints the evaluation with colors
func printCheckResult(r checkReport) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("BUDGET CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Domain:     %s\n", r.Host)
	if r.Tracked {
		fmt.Printf("Tracked:    yes (as %s)\n", r.Site.Domain)
	} else {
		fmt.Printf("Tracked:    no\n")
	}
	fmt.Printf("Category:   %s\n", r.Category)
	if r.Extra > 0 {
		fmt.Printf("Projection: +%s\n", r.Extra)
	}
	fmt.Println()

	res := r.Result
	limitKind := "global"
	if res.HasSiteSpecificLimit {
		limitKind = "site"
	}
	fmt.Printf("Limit:      %d min (%s)\n", res.LimitMinutes, limitKind)
	fmt.Printf("Used:       %.1f min\n", res.CurrentMinutes)
	fmt.Printf("Remaining:  %.1f min\n", res.RemainingMinutes)
	fmt.Printf("Global:     %.1f / %d min (%.0f%%)\n", res.TotalMinutes, res.GlobalLimitMinutes, res.GlobalPercentageUsed)
	fmt.Println()

	cyan.Print("Status:     ")
	switch res.Status {
	case budget.StatusOK:
		green.Printf("OK (%.0f%%)\n", res.PercentageUsed)
	case budget.StatusWarning:
		yellow.Printf("WARNING (%.0f%%)\n", res.PercentageUsed)
		fmt.Println("            → Notifications will repeat until the budget is used up")
	case budget.StatusExceeded:
		red.Printf("EXCEEDED (%.0f%%)\n", res.PercentageUsed)
		fmt.Println("            → The intervention screen will be shown")
	}

	if !r.Tracked {
		fmt.Println()
		yellow.Println("Note: time on untracked sites is not counted")
	}
	fmt.Println()
}
