package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/watchmark/watchmark/internal/models"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change coordinator settings",
	Args:  cobra.NoArgs,
	RunE:  runSettings,
}

var (
	setAutoTrack     string
	setRetentionDays int
	setSites         []string
)

func init() {
	rootCmd.AddCommand(settingsCmd)

	settingsCmd.Flags().StringVar(&setAutoTrack, "auto-track", "",
		"Enable or disable automatic tracking (true/false)")
	settingsCmd.Flags().IntVar(&setRetentionDays, "retention-days", 0,
		"Days to keep bookmarks that stopped updating")
	settingsCmd.Flags().StringSliceVar(&setSites, "sites", nil,
		"Replace the supported site list")
}

func runSettings(cmd *cobra.Command, args []string) error {
	patch := models.SettingsPatch{}
	changed := false

	if setAutoTrack != "" {
		v := strings.EqualFold(setAutoTrack, "true")
		patch.AutoTrack = &v
		changed = true
	}
	if cmd.Flags().Changed("retention-days") {
		patch.CleanupRetentionDays = &setRetentionDays
		changed = true
	}
	if cmd.Flags().Changed("sites") {
		patch.SupportedSites = &setSites
		changed = true
	}

	var settings models.Settings
	if changed {
		if err := apiCall(http.MethodPatch, "/api/settings", &patch, &settings); err != nil {
			return err
		}
	} else {
		if err := apiCall(http.MethodGet, "/api/settings", nil, &settings); err != nil {
			return err
		}
	}

	fmt.Printf("auto_track:      %t\n", settings.AutoTrack)
	fmt.Printf("retention_days:  %d\n", settings.CleanupRetentionDays)
	fmt.Printf("supported_sites: %s\n", strings.Join(settings.SupportedSites, ", "))
	return nil
}
