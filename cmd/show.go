package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/vitals/internal/rppg"
	"github.com/andresmejia3/vitals/internal/store"
	"github.com/andresmejia3/vitals/internal/utils"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <session_id>",
	Short: "Show the heart rate readings of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runShow(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
}

func runShow(ctx context.Context, sessionID string) error {
	readings, err := DB.GetReadings(ctx, sessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		fmt.Printf("❌ Session %s not found. Use 'vitals list' to see sessions.\n", sessionID)
		return err
	}
	if err != nil {
		utils.ShowError("Failed to retrieve readings", err, nil)
		return err
	}

	if len(readings) == 0 {
		fmt.Println("No readings recorded for this session.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "WINDOW\tSAMPLES\tRATE\tFREQUENCY\tHEART RATE\tSPO2")
	fmt.Fprintln(w, "------\t-------\t----\t---------\t----------\t----")

	for _, r := range readings {
		res := rppg.Result{BPM: r.BPM, Valid: r.FrequencyHz > 0}
		fmt.Fprintf(w, "%s - %s\t%d\t%.1f fps\t%.3f Hz\t%s bpm\t%s %%\n",
			fmtTime(r.WindowStart),
			fmtTime(r.WindowEnd),
			r.Samples,
			r.SampleRate,
			r.FrequencyHz,
			res.BPMText(),
			res.SpO2Text(),
		)
	}
	w.Flush()

	return nil
}
