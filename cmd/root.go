package cmd

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var verbosity int
var quiet bool

var rootCmd = &cobra.Command{
	Use:   "dllbisect",
	Short: "Find the minimal set of files from a working installation which repairs a broken one",
	Long: `dllbisect bisects the files of a known-good installation of a native distribution
against a broken installation, to find out which few files (usually DLLs) make the broken one work again.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		configureLogger(logrus.StandardLogger())
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// configureLogger sets the formatter and the verbosity of the passed logger according to the flags
func configureLogger(log *logrus.Logger) {
	log.SetFormatter(&prefixed.TextFormatter{
		FullTimestamp: true,
	})

	// Set logger verbosity
	if quiet {
		log.SetOutput(io.Discard)
	} else if verbosity == 0 {
		log.SetLevel(logrus.WarnLevel)
	} else if verbosity == 1 {
		log.SetLevel(logrus.InfoLevel)
	} else if verbosity == 2 {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.TraceLevel)
	}
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase the verbosity, can be repeated up to three times")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Don't log anything")
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
}
