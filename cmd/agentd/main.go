package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/MasonGillDev/instance-scripts/internal/agent"
	"github.com/MasonGillDev/instance-scripts/internal/log"
	"github.com/MasonGillDev/instance-scripts/internal/model"
	"github.com/MasonGillDev/instance-scripts/internal/update"
)

var (
	userConfigPath string // /default/config/path/agentd on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "agentd")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is agentd.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initAgent

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("agentd failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "agentd",
	Short:        "Instance agent downloading, decrypting and placing files on demand",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run watches the job directory and processes download jobs until stopped",
	RunE:  doRun,
}

var processCmd = &cobra.Command{
	Use:   "process <job-file>",
	Short: "process a single pending job descriptor and exit",
	Args:  cobra.ExactArgs(1),
	RunE:  doProcess,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of the agent",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("agentd: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("agentd: %s\n", update.Version)
		fmt.Printf("module: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("agentd",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	a, err := agent.New(config)
	if err != nil {
		return err
	}

	err = a.Do(ctx)
	if errors.Is(err, update.ErrRestart) {
		// clean exit hands control to the process supervisor, which
		// restarts the freshly installed binary
		slog.InfoContext(ctx, "exiting for restart after self-update")
		return nil
	}
	return err
}

func doProcess(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("agentd",
		slog.String("cmd", "process"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	jobFile, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	cfg := config
	cfg.Watch.Dir = filepath.Dir(jobFile)

	a, err := agent.New(cfg)
	if err != nil {
		return err
	}
	outcome, err := a.ProcessOne(ctx, filepath.Base(jobFile))
	if err != nil {
		return err
	}
	fmt.Println(outcome)
	return nil
}

func initAgent(cmd *cobra.Command, _ []string) error {
	// optional .env next to the binary invocation, useful on instances
	// provisioned with env files instead of config management
	_ = godotenv.Load()

	if envConfig, ok := os.LookupEnv("AGENTDCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "agentd.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "agentd.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		if err := enc.Encode(config); err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Verbose = true
	}

	slog.SetDefault(log.New(config.Verbose))

	slog.Debug("agentd run", "configPath", configPath)
	slog.Debug("agentd run", "config", config)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
