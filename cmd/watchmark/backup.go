package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage store backup snapshots",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Flush live progress and write a backup snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiCall(http.MethodPost, "/api/backup", nil, nil); err != nil {
			return err
		}
		fmt.Println("Backup written.")
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Replace current data with the last backup snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiCall(http.MethodPost, "/api/restore", nil, nil); err != nil {
			return err
		}
		fmt.Println("Backup restored.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupCreateCmd, backupRestoreCmd)
}
