package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"policypulse/src/log"
)

var rootCmd = &cobra.Command{
	Use:   "policypulse",
	Short: "Policy feedback platform with bulk comment ingestion",
	Long: `policypulse serves the policy feedback HTTP API, processes bulk
comment uploads as background jobs, and pushes job, vote and comment
updates to subscribed clients in real time.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("log.production") {
			return log.UseProduction()
		}
		return nil
	},
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
