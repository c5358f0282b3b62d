// AgSys Crop Steering Controller
// Main entry point for the crop steering service
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agsys/crop-steering/internal/config"
	"github.com/agsys/crop-steering/internal/engine"
	"github.com/agsys/crop-steering/internal/model"
	"github.com/agsys/crop-steering/internal/preset"
	"github.com/agsys/crop-steering/internal/substrate"
)

const version = "0.1.0"

var (
	configFile string
	envFile    string

	presetMedium     string
	presetGenerative bool
	presetWeek       int

	rootCmd = &cobra.Command{
		Use:   "cropsteer",
		Short: "AgSys Crop Steering Controller",
		Long:  "Crop steering controller for AgSys. Drives per-zone irrigation through the P0-P3 daily cycle from substrate sensor readings.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the controller service",
		RunE:  runController,
	}

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		RunE:  checkConfig,
	}

	presetsCmd = &cobra.Command{
		Use:   "presets",
		Short: "Print the composed phase presets for a medium and growth stage",
		RunE:  printPresets,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("AgSys Crop Steering Controller v" + version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Environment file with CROPSTEER_* overrides")

	presetsCmd.Flags().StringVarP(&presetMedium, "medium", "m", string(substrate.Rockwool), "Growing medium")
	presetsCmd.Flags().BoolVarP(&presetGenerative, "generative", "g", false, "Generative growth stage")
	presetsCmd.Flags().IntVarP(&presetWeek, "week", "w", 1, "Generative week")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(presetsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runController(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, envFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logFile, err := cfg.Logging.Apply()
	if err != nil {
		return err
	}
	if logFile != nil {
		defer logFile.Close()
	}

	eng, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("Starting AgSys Crop Steering Controller %s with %d zones", cfg.Controller.ID, len(cfg.Zones))
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)

	if err := eng.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}

func checkConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, envFile)
	if err != nil {
		return err
	}
	fmt.Printf("Configuration OK: controller %s, %d zones\n", cfg.Controller.ID, len(cfg.Zones))
	for _, z := range cfg.Zones {
		medium, _ := z.MediumFor()
		fmt.Printf("  %-12s medium=%-10s actuators=%d dosers=%d\n", z.ID, medium, len(z.Actuators), len(z.Dosers))
	}
	return nil
}

func printPresets(cmd *cobra.Command, args []string) error {
	provider := preset.NewProvider()

	// The config file is optional here; without one the built-in tables apply
	if _, err := os.Stat(configFile); err == nil {
		cfg, err := config.Load(configFile, envFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		base, err := cfg.BasePresets()
		if err != nil {
			return err
		}
		for phase, p := range base {
			if err := provider.SetBase(phase, p); err != nil {
				return err
			}
		}
	}

	medium := substrate.ParseMedium(presetMedium)
	if !medium.Known() {
		return fmt.Errorf("unknown medium %q", presetMedium)
	}
	if presetGenerative && presetWeek < 1 {
		return fmt.Errorf("generative week must be 1 or more")
	}
	stage := model.GrowthStage{Generative: presetGenerative, Week: presetWeek}

	fmt.Printf("Presets for %s, %s\n\n", medium, stage)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tVWC MIN\tTARGET\tMAX\tEC MIN\tTARGET\tMAX\tSHOT")
	for _, phase := range model.Phases {
		p, err := provider.Preset(phase, medium, stage, nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%.1f\t%.1f\t%.1f\t%.2f\t%.2f\t%.2f\t%s\n",
			phase, p.VWCMin, p.VWCTarget, p.VWCMax, p.ECMin, p.ECTarget, p.ECMax, p.IrrigationDuration)
	}
	return w.Flush()
}
