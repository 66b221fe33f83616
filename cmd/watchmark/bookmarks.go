package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/watchmark/watchmark/internal/models"
)

var bookmarksCmd = &cobra.Command{
	Use:   "bookmarks",
	Short: "Inspect and manage saved watch progress",
}

var bookmarksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved bookmarks",
	Args:  cobra.NoArgs,
	RunE:  runBookmarksList,
}

var bookmarksDeleteCmd = &cobra.Command{
	Use:   "delete <video-id>",
	Short: "Start the deletion countdown for a bookmark",
	Args:  cobra.ExactArgs(1),
	RunE:  runBookmarksDelete,
}

var bookmarksUndoCmd = &cobra.Command{
	Use:   "undo <video-id>",
	Short: "Cancel a pending deletion",
	Args:  cobra.ExactArgs(1),
	RunE:  runBookmarksUndo,
}

var bookmarksCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove bookmarks older than the retention window",
	Args:  cobra.NoArgs,
	RunE:  runBookmarksCleanup,
}

var apiAddr string

func init() {
	rootCmd.AddCommand(bookmarksCmd)
	bookmarksCmd.AddCommand(bookmarksListCmd, bookmarksDeleteCmd, bookmarksUndoCmd, bookmarksCleanupCmd)

	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", "",
		"Daemon API address (default: from config)")
}

// apiBase resolves the daemon address from the flag or config.
func apiBase() (string, error) {
	if apiAddr != "" {
		return "http://" + apiAddr, nil
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return "", err
	}
	return "http://" + cfg.Server.ListenAddr, nil
}

// apiCall performs one request against the daemon and decodes the reply
// into out when non-nil.
func apiCall(method, path string, body, out interface{}) error {
	base, err := apiBase()
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, base+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr models.ErrorData
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("daemon returned HTTP %d", resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func runBookmarksList(cmd *cobra.Command, args []string) error {
	var result models.BookmarkListResult
	if err := apiCall(http.MethodGet, "/api/bookmarks", nil, &result); err != nil {
		return err
	}

	if len(result.Bookmarks) == 0 {
		fmt.Println("No bookmarks saved.")
		return nil
	}

	title := color.New(color.Bold)
	position := color.New(color.FgCyan)
	meta := color.New(color.Faint)

	for _, b := range result.Bookmarks {
		title.Printf("%s", b.Title)
		if b.Author != "" {
			fmt.Printf(" by %s", b.Author)
		}
		fmt.Println()

		position.Printf("  %s / %s watched", formatPosition(b.LastPosition),
			formatPosition(b.MaxPosition))
		meta.Printf("  %s  updated %s\n", b.ID, b.UpdatedAt.Local().Format("2006-01-02 15:04"))
		fmt.Println()
	}

	fmt.Printf("%d bookmark(s)\n", len(result.Bookmarks))
	return nil
}

func runBookmarksDelete(cmd *cobra.Command, args []string) error {
	id := args[0]
	if err := apiCall(http.MethodDelete, "/api/bookmarks/"+id, nil, nil); err != nil {
		return err
	}
	fmt.Printf("Deletion pending for %s. Run 'watchmark bookmarks undo %s' to cancel.\n", id, id)
	return nil
}

func runBookmarksUndo(cmd *cobra.Command, args []string) error {
	id := args[0]
	if err := apiCall(http.MethodPost, "/api/bookmarks/"+id+"/undo", nil, nil); err != nil {
		return err
	}
	fmt.Printf("Deletion cancelled for %s.\n", id)
	return nil
}

func runBookmarksCleanup(cmd *cobra.Command, args []string) error {
	var result struct {
		Removed int `json:"removed"`
	}
	if err := apiCall(http.MethodPost, "/api/cleanup", nil, &result); err != nil {
		return err
	}
	fmt.Printf("Removed %d stale bookmark(s).\n", result.Removed)
	return nil
}

// formatPosition renders seconds as h:mm:ss or m:ss.
func formatPosition(seconds float64) string {
	total := int(seconds)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
