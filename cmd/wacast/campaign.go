package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/foxzi/wacast/internal/campaign"
)

var (
	campaignListOwner string
	campaignListLimit int
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign management commands",
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE:  runCampaignList,
}

var campaignShowCmd = &cobra.Command{
	Use:   "show <campaign_id>",
	Short: "Show campaign details",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignShow,
}

var campaignStopCmd = &cobra.Command{
	Use:   "stop <campaign_id>",
	Short: "Request a campaign to stop",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignStop,
}

var campaignDeleteCmd = &cobra.Command{
	Use:   "delete <campaign_id>",
	Short: "Delete a completed campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignDelete,
}

func init() {
	campaignListCmd.Flags().StringVar(&campaignListOwner, "owner", "", "Only show campaigns of this owner")
	campaignListCmd.Flags().IntVar(&campaignListLimit, "limit", 50, "Maximum number of campaigns to show")

	campaignCmd.AddCommand(campaignListCmd, campaignShowCmd, campaignStopCmd, campaignDeleteCmd)
	rootCmd.AddCommand(campaignCmd)
}

// openCampaignStore opens the bolt file directly; it blocks while the
// server holds the lock
func openCampaignStore() (*campaign.BoltStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Driver != "bolt" {
		return nil, fmt.Errorf("campaign commands need storage.driver bolt, got %s", cfg.Storage.Driver)
	}

	store, err := campaign.NewBoltStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open campaign storage (is the server running?): %w", err)
	}
	return store, nil
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	store, err := openCampaignStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	var list []*campaign.Campaign
	if campaignListOwner != "" {
		list, err = store.ListByOwner(ctx, campaignListOwner)
	} else {
		list, err = store.List(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No campaigns")
		return nil
	}
	if campaignListLimit > 0 && len(list) > campaignListLimit {
		list = list[:campaignListLimit]
	}

	writeCampaignTable(os.Stdout, list, time.Now())
	fmt.Printf("\nTotal: %d campaigns\n", len(list))
	return nil
}

func writeCampaignTable(out io.Writer, list []*campaign.Campaign, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tOWNER\tSTATE\tPROGRESS\tFAILED\tCREATED")
	fmt.Fprintln(w, "--\t----\t-----\t-----\t--------\t------\t-------")

	for _, c := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			truncateID(c.ID),
			c.Kind,
			c.OwnerID,
			state(c),
			progressText(c),
			len(c.ErrorList),
			humanize.RelTime(c.CreatedAt, now, "ago", "from now"),
		)
	}
	w.Flush()
}

func runCampaignShow(cmd *cobra.Command, args []string) error {
	store, err := openCampaignStore()
	if err != nil {
		return err
	}
	defer store.Close()

	c, err := store.Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get campaign: %w", err)
	}

	fmt.Printf("Campaign: %s\n\n", c.ID)
	fmt.Printf("Kind:       %s\n", c.Kind)
	fmt.Printf("Owner:      %s\n", c.OwnerID)
	fmt.Printf("Instances:  %s\n", strings.Join(c.InstanceIDs, ", "))
	fmt.Printf("State:      %s\n", state(c))
	fmt.Printf("Progress:   %s\n", progressText(c))
	fmt.Printf("Succeeded:  %s\n", humanize.Comma(int64(len(c.SuccessList))))
	fmt.Printf("Failed:     %s\n", humanize.Comma(int64(len(c.ErrorList))))
	fmt.Printf("Created:    %s (%s)\n", c.CreatedAt.Format(time.RFC3339), humanize.Time(c.CreatedAt))
	if c.Completed {
		fmt.Printf("Completed:  %s\n", c.CompletedAt.Format(time.RFC3339))
	}

	if p := c.Progress; p != nil {
		fmt.Println("\nPhase Progress")
		fmt.Println("--------------")
		fmt.Printf("Phase:      %d (%d/%d)\n", p.Phase, p.PhaseSent, p.PhaseQuota)
		fmt.Printf("Today:      %d\n", p.SentToday)
		fmt.Printf("Session:    %d\n", p.SentThisSession)
		if len(p.Partners) > 0 {
			fmt.Printf("Partners:   %s\n", strings.Join(p.Partners, ", "))
		}
		if p.LastMessage != "" {
			fmt.Printf("Last:       %q\n", p.LastMessage)
		}
		if p.PausedUntil.After(time.Now()) {
			fmt.Printf("Paused:     until %s\n", p.PausedUntil.Format(time.Kitchen))
		}
	}

	if len(c.ErrorList) > 0 {
		fmt.Println("\nErrors:")
		for _, f := range c.ErrorList {
			fmt.Printf("  %s: %s\n", f.Recipient, f.ErrorMessage)
		}
	}

	return nil
}

func runCampaignStop(cmd *cobra.Command, args []string) error {
	store, err := openCampaignStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := campaign.NewRegistry(store).RequestStop(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to stop campaign: %w", err)
	}
	fmt.Printf("Stop requested for campaign %s\n", args[0])
	return nil
}

func runCampaignDelete(cmd *cobra.Command, args []string) error {
	store, err := openCampaignStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	c, err := store.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to get campaign: %w", err)
	}
	if !c.Completed {
		return fmt.Errorf("campaign %s is still running, stop it first", c.ID)
	}
	if err := store.Delete(ctx, c.ID); err != nil {
		return fmt.Errorf("failed to delete campaign: %w", err)
	}
	fmt.Printf("Campaign %s deleted\n", c.ID)
	return nil
}

func state(c *campaign.Campaign) string {
	switch {
	case c.Completed && c.StopRequested:
		return "stopped"
	case c.Completed:
		return "completed"
	case c.StopRequested:
		return "stopping"
	default:
		return "running"
	}
}

func progressText(c *campaign.Campaign) string {
	if c.TotalTargets == 0 {
		return fmt.Sprintf("%d/∞", c.CurrentIndex)
	}
	pct := float64(c.CurrentIndex) / float64(c.TotalTargets) * 100
	return fmt.Sprintf("%d/%d (%.0f%%)", c.CurrentIndex, c.TotalTargets, pct)
}

func truncateID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "..."
}
