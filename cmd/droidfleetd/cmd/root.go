package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	noColor bool

	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "droidfleetd",
	Short: "droidfleetd - multi-device test orchestration daemon",
	Long: `droidfleetd schedules and runs UI test scenarios across a fleet of
Android devices: it keeps one automation session per device, interprets
scenario graphs, queues multi-user submissions, and streams progress
over websockets.`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./droidfleet.yaml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(
		newServeCmd(),
		newVersionCmd(),
	)
}

// initConfig layers the config file and DROIDFLEET_* environment
// variables over the built-in defaults.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("droidfleet")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/droidfleet")
	}

	viper.SetEnvPrefix("DROIDFLEET")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// Missing config file is fine; env vars and defaults carry.
	_ = viper.ReadInConfig()

	if noColor {
		color.NoColor = true
	}
}
