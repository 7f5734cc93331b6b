package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/matthieugras/weconnect/internal/api"
	"github.com/matthieugras/weconnect/internal/auth"
	"github.com/matthieugras/weconnect/internal/backoff"
	"github.com/matthieugras/weconnect/internal/config"
	"github.com/matthieugras/weconnect/internal/httpclient"
	"github.com/matthieugras/weconnect/internal/logging"
	"github.com/matthieugras/weconnect/internal/output"
	"github.com/matthieugras/weconnect/internal/ui"
	"github.com/matthieugras/weconnect/internal/worker"
)

var (
	version = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "weconnect",
		Short: "Read charging status from Volkswagen WeConnect",
		Long: `A CLI tool that signs in to Volkswagen WeConnect the way the mobile app does
and reads the charging status of the vehicles in the account.

Without a subcommand it fetches the charging status of every vehicle (or the
VINs given with --vin/--file) in parallel.`,
		Version:       version,
		RunE:          runCharge,
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // We handle error output ourselves
	}

	config.SetupFlags(rootCmd)
	rootCmd.PersistentFlags().Bool("simple", false, "Use simple output mode (no fancy UI)")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "charge",
			Short: "Fetch the charging status of the vehicles",
			RunE:  runCharge,
		},
		&cobra.Command{
			Use:   "vehicles",
			Short: "List the vehicles of the account",
			RunE:  runVehicles,
		},
		&cobra.Command{
			Use:   "login",
			Short: "Sign in and report how long the access token is valid",
			RunE:  runLogin,
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		logging.Close() // Ensure log file is flushed before exit
		os.Exit(1)
	}
}

// deps bundles what every subcommand needs. All components share one HTTP
// client, one backoff and one token cache.
type deps struct {
	cfg     *config.Config
	ctx     context.Context
	cancel  context.CancelFunc
	backoff *backoff.GlobalBackoff
	session *auth.Session
	client  *api.Client
}

func setup() (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	if err := logging.InitWithOptions(logging.Options{Path: cfg.LogFile, Verbose: cfg.Verbose}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.Info("Configuration loaded: base-api=%s cache-mode=%s workers=%d vins=%d",
		cfg.BaseAPI, cfg.CacheMode, cfg.Workers, len(cfg.VINs))

	httpClient, err := httpclient.New(httpclient.Options{
		Timeout:  cfg.HTTPTimeout,
		ProxyURL: cfg.ProxyURL,
	})
	if err != nil {
		logging.Close()
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	bo := backoff.New(cfg.GetBackoffConfig())
	flow := auth.NewLoginFlow(httpClient, cfg.LoginConfig())
	cache := auth.NewTokenCache(flow, cfg.CacheOptions(bo))
	session := auth.NewSession(cfg.Credential(), cache, httpClient)

	return &deps{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		backoff: bo,
		session: session,
		client:  api.NewClient(httpClient, session, bo, cfg.BaseAPI, cfg.MaxRetries),
	}, nil
}

func (r *deps) Close() {
	r.cancel()
	r.session.Close()
	logging.Close()
}

func runLogin(cmd *cobra.Command, args []string) error {
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.Close()

	token, err := rt.session.TokenSource(rt.ctx).Token()
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	fmt.Printf("Logged in, access token valid until %s (%s)\n",
		token.Expiry.Local().Format(time.DateTime),
		time.Until(token.Expiry).Round(time.Second))
	return nil
}

func runVehicles(cmd *cobra.Command, args []string) error {
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.Close()

	vehicles, err := rt.client.ListVehicles(rt.ctx)
	if err != nil {
		return err
	}

	if len(vehicles) == 0 {
		fmt.Println("No vehicles in this account")
		return nil
	}
	for _, v := range vehicles {
		fmt.Printf("%-17s  %-20s  %-10s  %s\n", v.VIN, v.Nickname, v.Role, v.Model)
	}
	return nil
}

func runCharge(cmd *cobra.Command, args []string) error {
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.cfg

	vehicles, err := selectVehicles(rt)
	if err != nil {
		return err
	}
	if len(vehicles) == 0 {
		fmt.Println("No vehicles to fetch")
		return nil
	}

	var writer worker.SnapshotWriter
	if cfg.Output != "" {
		jsonl, err := output.NewJSONLWriter(cfg.Output, cfg.Gzip())
		if err != nil {
			return fmt.Errorf("failed to open output file: %w", err)
		}
		defer func() {
			if err := jsonl.Close(); err != nil {
				logging.Error("Failed to close %s: %v", cfg.Output, err)
				return
			}
			logging.Info("Appended %d charge snapshots to %s", jsonl.Count(), cfg.Output)
		}()
		writer = jsonl
	}

	jobs := worker.NewJobs(vehicles)

	pool := worker.NewPool(worker.PoolConfig{
		NumWorkers: cfg.Workers,
		Fetcher:    rt.client,
		Backoff:    rt.backoff,
		Writer:     writer,
		Context:    rt.ctx,
		TotalJobs:  len(jobs),
	})
	pool.SubmitAll(jobs)

	// Wait closes the results channel once every job has reported
	drained := make(chan struct{})
	go func() {
		pool.Wait()
		close(drained)
	}()

	simpleMode, _ := cmd.Flags().GetBool("simple")

	if simpleMode || !isTerminal() {
		go func() {
			for range pool.StatusUpdates() {
			}
		}()
		ui.RunSimple(os.Stdout, len(jobs), pool.Results())
	} else {
		app := ui.NewApp(
			len(jobs),
			cfg.Workers,
			pool.Results(),
			pool.StatusUpdates(),
			rt.backoff,
			rt.cancel, // quitting the UI cancels outstanding jobs
		)
		if err := app.Run(); err != nil {
			rt.cancel()
			<-drained
			return err
		}
	}

	<-drained
	return nil
}

// selectVehicles returns the vehicles named by --vin/--file, or every vehicle
// of the account. Nicknames are filled in when the garage lists the VIN.
func selectVehicles(rt *deps) ([]api.Vehicle, error) {
	garage, err := rt.client.ListVehicles(rt.ctx)
	if err != nil {
		return nil, err
	}
	if len(rt.cfg.VINs) == 0 {
		return garage, nil
	}

	known := make(map[string]api.Vehicle, len(garage))
	for _, v := range garage {
		known[v.VIN] = v
	}

	selected := make([]api.Vehicle, 0, len(rt.cfg.VINs))
	for _, vin := range rt.cfg.VINs {
		v, ok := known[vin]
		if !ok {
			logging.Warn("VIN %s is not in the garage list, fetching anyway", vin)
			v = api.Vehicle{VIN: vin}
		}
		selected = append(selected, v)
	}
	return selected, nil
}

// isTerminal checks if stdout is a terminal
func isTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
