package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/The777Bot/visitor-garden/internal/garden"
	"github.com/The777Bot/visitor-garden/internal/gardenclient"
	"github.com/The777Bot/visitor-garden/internal/identity"
	"github.com/The777Bot/visitor-garden/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	envPrefix      = "GARDEN"
	defaultServer  = "http://localhost:8080"
	defaultTimeout = 15 * time.Second
)

func main() {
	_ = godotenv.Load()

	if err := newRootCommand(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

type cliSettings struct {
	serverURL string
	statePath string
	timeout   time.Duration
	policy    garden.Policy
	logger    *zap.Logger
}

func newRootCommand(cliViper *viper.Viper) *cobra.Command {
	cliViper.SetEnvPrefix(envPrefix)
	cliViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cliViper.AutomaticEnv()

	defaultStatePath, err := identity.DefaultStatePath()
	if err != nil {
		defaultStatePath = "garden-state.yaml"
	}

	rootCmd := &cobra.Command{
		Use:          "garden",
		Short:        "Plant one tree in the shared visitor garden",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("server", defaultServer, "garden-api base URL")
	rootCmd.PersistentFlags().String("state-file", defaultStatePath, "Local state file holding the visitor id")
	rootCmd.PersistentFlags().Duration("timeout", defaultTimeout, "Timeout for one-shot commands")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("policy", string(garden.PolicyAtomic), "Admission policy (atomic, cooperative)")

	for key, flag := range map[string]string{
		"client.server":     "server",
		"client.state_file": "state-file",
		"client.timeout":    "timeout",
		"log.level":         "log-level",
		"admission.policy":  "policy",
	} {
		if err := cliViper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	settings := &cliSettings{}
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		policy, err := garden.ParsePolicy(cliViper.GetString("admission.policy"))
		if err != nil {
			return err
		}
		logger, err := logging.NewConsoleLogger(cliViper.GetString("log.level"))
		if err != nil {
			return err
		}
		settings.serverURL = cliViper.GetString("client.server")
		settings.statePath = cliViper.GetString("client.state_file")
		settings.timeout = cliViper.GetDuration("client.timeout")
		settings.policy = policy
		settings.logger = logger
		return nil
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if settings.logger != nil {
			_ = settings.logger.Sync()
		}
	}

	rootCmd.AddCommand(
		newWhoAmICommand(settings),
		newPlantCommand(settings),
		newStatsCommand(settings),
		newWatchCommand(settings),
	)
	return rootCmd
}

func (s *cliSettings) client() (*gardenclient.Client, error) {
	return gardenclient.New(gardenclient.Config{BaseURL: s.serverURL, Logger: s.logger})
}

func (s *cliSettings) visitorID() (string, error) {
	storage, err := identity.NewFileStorage(s.statePath)
	if err != nil {
		return "", err
	}
	s.logger.Debug("visitor state", zap.String("path", storage.Path()))
	provider, err := identity.NewProvider(identity.ProviderConfig{Storage: storage, Logger: s.logger})
	if err != nil {
		return "", err
	}
	return provider.GetOrCreateVisitorID()
}

func (s *cliSettings) commandContext(parent context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, s.timeout)
}

func newWhoAmICommand(settings *cliSettings) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the local visitor id and whether it has planted",
		RunE: func(cmd *cobra.Command, args []string) error {
			visitorID, err := settings.visitorID()
			if err != nil {
				return err
			}
			client, err := settings.client()
			if err != nil {
				return err
			}
			gate, err := garden.NewGate(garden.GateConfig{Store: client, Policy: settings.policy, Logger: settings.logger})
			if err != nil {
				return err
			}
			ctx, cancel := settings.commandContext(cmd.Context())
			defer cancel()
			planted, err := gate.CheckVisitorPlanted(ctx, visitorID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "visitor %s planted=%t\n", visitorID, planted)
			return nil
		},
	}
}

func newPlantCommand(settings *cliSettings) *cobra.Command {
	var countryCode string
	cmd := &cobra.Command{
		Use:   "plant",
		Short: "Plant this visitor's tree, at most once",
		RunE: func(cmd *cobra.Command, args []string) error {
			visitorID, err := settings.visitorID()
			if err != nil {
				return err
			}
			client, err := settings.client()
			if err != nil {
				return err
			}
			ctx, cancel := settings.commandContext(cmd.Context())
			defer cancel()

			field, err := client.Field(ctx)
			if err != nil {
				return err
			}
			sampler, err := garden.NewSampler(field)
			if err != nil {
				return err
			}
			gate, err := garden.NewGate(garden.GateConfig{
				Store:   client,
				Sampler: sampler,
				Policy:  settings.policy,
				Logger:  settings.logger,
			})
			if err != nil {
				return err
			}

			result, err := gate.Plant(ctx, garden.PlantRequest{VisitorID: visitorID, CountryCode: countryCode})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if result.Outcome == garden.OutcomeAlreadyPlanted {
				fmt.Fprintf(out, "visitor %s has already planted\n", visitorID)
				return nil
			}
			fmt.Fprintf(out, "planted a %s at (%d,%d) as %s\n",
				result.Planting.Kind, result.Planting.X, result.Planting.Y, visitorID)
			return nil
		},
	}
	cmd.Flags().StringVar(&countryCode, "country", "", "Country code to record instead of unknown")
	return cmd
}

func newStatsCommand(settings *cliSettings) *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print garden statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := settings.client()
			if err != nil {
				return err
			}
			ctx, cancel := settings.commandContext(cmd.Context())
			defer cancel()
			plantings, err := client.ListPlantings(ctx)
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), garden.Summarize(plantings, recent))
			return nil
		},
	}
	cmd.Flags().IntVar(&recent, "recent", garden.DefaultRecentLimit, "Number of recent plantings to list")
	return cmd
}

func newWatchCommand(settings *cliSettings) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print a line for every garden snapshot until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := settings.client()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			subscription, err := client.Subscribe(ctx, func(plantings []garden.Planting) {
				printSnapshotLine(out, plantings)
			})
			if err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return subscription.Close()
			case <-subscription.Done():
				if err := subscription.Err(); err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("garden stream dropped: %w", err)
				}
				return nil
			}
		},
	}
}

func printStats(out io.Writer, stats garden.Stats) {
	fmt.Fprintf(out, "total: %d\n", stats.Total)
	for _, entry := range stats.ByKind {
		fmt.Fprintf(out, "  %-8s %d\n", entry.Kind, entry.Count)
	}
	fmt.Fprintln(out, "countries:")
	for _, entry := range stats.ByCountry {
		fmt.Fprintf(out, "  %-8s %d\n", entry.CountryCode, entry.Count)
	}
	fmt.Fprintln(out, "recent:")
	for _, planting := range stats.Recent {
		fmt.Fprintf(out, "  %s %s (%d,%d) %s\n",
			formatPlantedAt(planting), planting.Kind, planting.X, planting.Y, planting.CountryCode)
	}
}

func printSnapshotLine(out io.Writer, plantings []garden.Planting) {
	recent := garden.MostRecent(plantings, 1)
	if len(recent) == 0 {
		fmt.Fprintf(out, "%s %d plantings\n", time.Now().Format(time.RFC3339), len(plantings))
		return
	}
	latest := recent[0]
	fmt.Fprintf(out, "%s %d plantings, latest %s at (%d,%d) from %s\n",
		time.Now().Format(time.RFC3339), len(plantings), latest.Kind, latest.X, latest.Y, latest.CountryCode)
}

func formatPlantedAt(planting garden.Planting) string {
	if planting.CreatedAtMicros == 0 {
		return "unknown-time"
	}
	return planting.CreatedAt().Format(time.RFC3339)
}
