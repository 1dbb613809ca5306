package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/andresmejia3/vitals/internal/utils"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:   "label <session_id> <subject>",
	Short: "Assign the measured person's name to a session",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		subject := strings.TrimSpace(args[1])
		if subject == "" {
			utils.Die("Invalid subject", fmt.Errorf("subject must not be empty"), nil)
		}

		runLabel(args[0], subject)
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

func runLabel(id, subject string) {
	// 1. Database is initialized in Root PersistentPreRun
	ctx := context.Background()

	// 2. Rename the existing session
	if err := DB.LabelSession(ctx, id, subject); err != nil {
		utils.Die("Failed to label session", err, nil)
	}

	fmt.Printf("✅ Session %s labeled as '%s'\n", shortID(id), subject)
}
