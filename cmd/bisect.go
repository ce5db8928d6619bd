package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/DominicWuest/dllbisect/internal/server"
	"github.com/DominicWuest/dllbisect/pkg/dllbisect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var bisectPort int
var bisectReport string
var bisectMetrics bool

var bisectCmd = &cobra.Command{
	Use:   "bisect job.yml",
	Short: "Bisect the donor files of a job.yml",
	Long: `Bisect the donor files of a job.yml.
The target's pristine snapshot has to exist, see the snapshot command.

If the job uses a manual probe, a RESTful HTTP server is started, through whose API every trial has to be rated.
The server also serves the report of the running bisection and, if enabled, prometheus metrics.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		job := readJob(args[0])
		job.Log = logrus.StandardLogger()

		var gatherer prometheus.Gatherer
		if bisectMetrics {
			registry := prometheus.NewRegistry()
			job.Metrics = dllbisect.NewMetrics(registry)
			gatherer = registry
		}

		var srv server.Server
		if manual := job.ManualProbe(); manual != nil || bisectMetrics {
			opts := server.Options{Gatherer: gatherer}
			if manual != nil {
				opts.Trials = manual.Trials
			}
			var err error
			srv, err = server.NewServer(bisectPort, opts)
			if err != nil {
				logrus.Fatalf("Failed to start webserver - %v", err)
			}
			logrus.Infof("Webserver listening on localhost:%d", bisectPort)
			job.OnStart = srv.SetReport
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		report, err := job.Run(ctx)

		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Close(shutdownCtx); err != nil {
				logrus.Warnf("Failed to stop webserver - %v", err)
			}
		}

		if report != nil && bisectReport != "" {
			writeReport(report, bisectReport)
		}

		if err != nil {
			if errors.Is(err, dllbisect.ErrSnapshotMissing) {
				logrus.Fatalf("Bisection failed, create a snapshot first - %v", err)
			}
			logrus.Fatalf("Bisection failed - %v", err)
		}

		fmt.Println(report.Summary())
		for _, path := range report.Minimal().Paths() {
			fmt.Println(path)
		}
		if !report.Final() {
			os.Exit(2)
		}
	},
}

// readJob reads the job config at the passed path or exits
func readJob(path string) *dllbisect.Job {
	jobYaml, err := os.Open(path)
	if err != nil {
		logrus.Fatalf("Failed to open job yaml - %v", err)
	}
	defer jobYaml.Close()

	job, err := dllbisect.GetJobFromConfig(jobYaml)
	if err != nil {
		logrus.Fatalf("Failed to read job config from yaml - %v", err)
	}
	return job
}

// writeReport writes the audit report of a run to the passed path
func writeReport(report *dllbisect.Report, path string) {
	file, err := os.Create(path)
	if err != nil {
		logrus.Errorf("Failed to create report file %s - %v", path, err)
		return
	}
	defer file.Close()

	if err := report.WriteYAML(file); err != nil {
		logrus.Errorf("Failed to write report to %s - %v", path, err)
	}
}

func init() {
	rootCmd.AddCommand(bisectCmd)

	bisectCmd.Flags().IntVarP(&bisectPort, "port", "p", 40032, "The port on which to start the server")
	bisectCmd.Flags().StringVarP(&bisectReport, "output", "o", "", "Write the full report of the run to this yaml file")
	bisectCmd.Flags().BoolVar(&bisectMetrics, "metrics", false, "Serve prometheus metrics on /metrics")
}
