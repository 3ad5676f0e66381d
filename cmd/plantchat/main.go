// Command plantchat is a terminal client for the plant identification
// backend: an interactive chat, one-shot catalog/classify/ask commands,
// cache administration, and a mock upstream server for offline development.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	plantchat "github.com/leaf-labs/plantchat"
	"github.com/leaf-labs/plantchat/internal/cache"
	"github.com/leaf-labs/plantchat/internal/logging"
	"github.com/leaf-labs/plantchat/internal/mockapi"
	"github.com/leaf-labs/plantchat/internal/version"
)

const defaultBaseURL = "http://localhost:8000"

var (
	configPath  string
	metricsAddr string
)

func main() {
	root := &cobra.Command{
		Use:     "plantchat",
		Short:   "Plant identification chat client",
		Version: version.Short(),
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (.yaml/.json)")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(
		newChatCmd(),
		newPlantsCmd(),
		newClassifyCmd(),
		newAskCmd(),
		newCacheCmd(),
		newMockAPICmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (plantchat.Config, error) {
	cfg := plantchat.Config{
		API:   plantchat.APIConfig{BaseURL: defaultBaseURL},
		Cache: plantchat.CacheConfig{Driver: plantchat.DriverSQLite},
	}
	if configPath != "" {
		loaded, err := plantchat.LoadConfig(configPath)
		if err != nil {
			return cfg, err
		}
		cfg = *loaded
		if cfg.API.BaseURL == "" {
			cfg.API.BaseURL = defaultBaseURL
		}
	}
	if env := os.Getenv("PLANTCHAT_API_URL"); env != "" {
		cfg.API.BaseURL = env
	}
	return cfg, nil
}

func newOrchestrator() (*plantchat.Orchestrator, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	startMetrics()
	return plantchat.New(cfg)
}

// startMetrics exposes /metrics when --metrics-addr is set.
func startMetrics() {
	if metricsAddr == "" {
		return
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(metricsAddr, r); err != nil { //nolint:gosec
			logging.Logger.Error("metrics server failed", "addr", metricsAddr, "error", err.Error())
		}
	}()
}

func newPlantsCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "plants",
		Short: "List the plant catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			o, err := newOrchestrator()
			if err != nil {
				return err
			}
			defer o.Close()

			catalog, err := o.Catalog(cmd.Context(), refresh)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(catalog))
			for name := range catalog {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				info := catalog[name]
				fmt.Fprintf(cmd.OutOrStdout(), "%-30s %-20s %s\n", name, info.CommonName(), info.Field("Họ"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the cache")
	return cmd
}

func newClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <image>...",
		Short: "Classify one or more plant images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := newOrchestrator()
			if err != nil {
				return err
			}
			defer o.Close()

			images := make([]plantchat.ImageAttachment, 0, len(args))
			for _, path := range args {
				att, err := loadAttachment(path)
				if err != nil {
					return err
				}
				images = append(images, att)
			}

			o.OnMessage(func(m plantchat.Message) {
				if m.Sender == plantchat.SenderBot {
					fmt.Fprintln(cmd.OutOrStdout(), renderMessage(m))
				}
			})
			return o.Submit(cmd.Context(), plantchat.SubmitInput{Images: images})
		},
	}
}

func newAskCmd() *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "ask <question>...",
		Short: "Ask a question, optionally scoped to a species",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := newOrchestrator()
			if err != nil {
				return err
			}
			defer o.Close()

			answer, err := o.Ask(cmd.Context(), strings.Join(args, " "), label)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), answer)
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "scope the question to this species")
	return cmd
}

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Administer the durable request cache",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "sweep",
			Short: "Delete all expired entries",
			RunE: func(cmd *cobra.Command, _ []string) error {
				o, err := newOrchestrator()
				if err != nil {
					return err
				}
				defer o.Close()
				// New already swept once at startup; report a second pass
				n := o.Store().Sweep(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired entries\n", n)
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete all entries in every namespace",
			RunE: func(cmd *cobra.Command, _ []string) error {
				o, err := newOrchestrator()
				if err != nil {
					return err
				}
				defer o.Close()
				clearer, ok := o.Store().(interface{ Clear(context.Context) error })
				if !ok {
					return fmt.Errorf("the configured cache driver does not support clear")
				}
				if err := clearer.Clear(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
				return nil
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Show live entry counts per namespace",
			RunE: func(cmd *cobra.Command, _ []string) error {
				o, err := newOrchestrator()
				if err != nil {
					return err
				}
				defer o.Close()
				counter, ok := o.Store().(interface {
					Len(context.Context, cache.Namespace) int
				})
				if !ok {
					return fmt.Errorf("the configured cache driver does not report counts")
				}
				for _, ns := range cache.Namespaces {
					fmt.Fprintf(cmd.OutOrStdout(), "%-16s %d\n", ns, counter.Len(cmd.Context(), ns))
				}
				return nil
			},
		},
	)
	return cmd
}

func newMockAPICmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "mock-api",
		Short: "Serve a canned upstream API for offline development",
		RunE: func(_ *cobra.Command, _ []string) error {
			r := chi.NewRouter()
			r.Use(middleware.Logger, middleware.Recoverer)
			r.Mount("/", mockapi.New().Handler())
			logging.Logger.Info("mock upstream listening", "addr", addr)
			return http.ListenAndServe(addr, r) //nolint:gosec
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8000", "listen address")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
