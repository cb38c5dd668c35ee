package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/CZERTAINLY/conductor/internal/log"
	"github.com/CZERTAINLY/conductor/internal/model"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const configName = "conductor.yaml"

var (
	userConfigPath string // /default/config/path/conductor on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	logCloser      io.Closer = io.NopCloser(nil)

	flagConfigFilePath string // value of --config flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "conductor")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().Bool("verbose", false, "verbose logging")
	rootCmd.PersistentFlags().String("fast-interval", "", "scheduler interval while some workers are not running yet")
	rootCmd.PersistentFlags().String("slow-interval", "", "scheduler interval once all workers are running or finished")
	rootCmd.PersistentFlags().String("failure-policy", "", "what to do with dependents of a failed worker: hold, cascade or shutdown")
	for _, name := range []string{"verbose", "fast-interval", "slow-interval", "failure-policy"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("CONDUCTOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	historyCmd.Flags().String("worker", "", "list runs of this worker only")
	historyCmd.Flags().Int("limit", 20, "maximum number of runs to list, 0 lists all")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initConductor
	rootCmd.PersistentPostRun = func(*cobra.Command, []string) {
		_ = logCloser.Close()
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("conductor failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "conductor",
	Short:        "Supervisor starting a pipeline of dependent worker processes",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run starts the workers in dependency order and supervises them until interrupted",
	RunE:  doRun,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "validate checks the configuration and prints the start order",
	RunE:  doValidate,
}

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "graph prints every worker with its dependencies and dependents",
	RunE:  doGraph,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "history lists recorded worker runs",
	RunE:  doHistory,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a conductor",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("conductor: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:    %s\n", configPath)
		}
		fmt.Printf("conductor: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initConductor(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("CONDUCTORCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, configName)
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, configName)
		if err := storeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		config = *cfg
	}

	// flags and CONDUCTOR_* variables have a precedence over config file
	if err := applyOverrides(&config, viper.GetViper()); err != nil {
		return err
	}

	// initialize logging
	logger, closer, err := log.New(config.Supervisor.Verbose, config.Supervisor.Log)
	if err != nil {
		return err
	}
	logCloser = closer
	slog.SetDefault(logger)

	slog.Debug("conductor run", "configPath", configPath)
	slog.Debug("conductor run", "config", config)
	return nil
}

func loadConfig(path string) (*model.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error("invalid configuration", d.Attr("detail"))
		}
		return nil, fmt.Errorf("%w: parsing %s: %w", model.ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

func storeConfig(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func applyOverrides(cfg *model.Config, v *viper.Viper) error {
	if v.GetBool("verbose") {
		cfg.Supervisor.Verbose = true
	}
	for _, o := range []struct {
		key string
		dst *model.Duration
	}{
		{"fast-interval", &cfg.Supervisor.FastInterval},
		{"slow-interval", &cfg.Supervisor.SlowInterval},
	} {
		s := v.GetString(o.key)
		if s == "" {
			continue
		}
		d, err := model.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%w: --%s: %w", model.ErrInvalidConfig, o.key, err)
		}
		if d <= 0 {
			return fmt.Errorf("%w: --%s must be positive", model.ErrInvalidConfig, o.key)
		}
		*o.dst = model.Duration(d)
	}
	if p := v.GetString("failure-policy"); p != "" {
		switch p {
		case model.FailureHold, model.FailureCascade, model.FailureShutdown:
			cfg.Supervisor.FailurePolicy = p
		default:
			return fmt.Errorf("%w: --failure-policy %q: expected hold, cascade or shutdown", model.ErrInvalidConfig, p)
		}
	}
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
