package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/vitals/internal/utils"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all measurement sessions in the database",
	Run: func(cmd *cobra.Command, args []string) {
		runList()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList() {
	ctx := context.Background()
	sessions, err := DB.ListSessions(ctx)
	if err != nil {
		utils.Die("Failed to list sessions", err, nil)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found in database.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSUBJECT\tSOURCE\tREADINGS\tLAST BPM\tCREATED")
	fmt.Fprintln(w, "--\t-------\t------\t--------\t--------\t-------")

	for _, s := range sessions {
		subject := s.Subject
		if subject == "" {
			subject = "-"
		}
		lastBPM := "-"
		if s.LastBPM != nil {
			lastBPM = fmt.Sprintf("%.1f", *s.LastBPM)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", s.ID, subject, s.Source, s.Readings, lastBPM, s.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
