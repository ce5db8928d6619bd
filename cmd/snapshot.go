package cmd

import (
	"github.com/DominicWuest/dllbisect/pkg/dllbisect"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var snapshotForce bool

var snapshotCmd = &cobra.Command{
	Use:   "snapshot job.yml",
	Short: "Save the pristine state of the target of a job.yml",
	Long: `Save the pristine state of the target of a job.yml.
Every trial of a bisection starts from this snapshot, so it has to be taken while the target is still untouched.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		job := readJob(args[0])

		logrus.Infof("Copying %s to %s", job.Target.Root, job.Target.Snapshot)
		if err := dllbisect.CreateSnapshot(job.Target, snapshotForce); err != nil {
			logrus.Fatalf("Failed to create snapshot - %v", err)
		}
		logrus.Info("Done.")
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)

	snapshotCmd.Flags().BoolVarP(&snapshotForce, "force", "f", false, "Replace an existing snapshot")
}
