package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/imobcrm/agendasync/internal/config"
	"github.com/imobcrm/agendasync/internal/gateway"
	"github.com/imobcrm/agendasync/internal/ics"
	"github.com/imobcrm/agendasync/internal/logging"
	"github.com/imobcrm/agendasync/internal/model"
	"github.com/imobcrm/agendasync/internal/oauth"
	"github.com/imobcrm/agendasync/internal/proxy"
	"github.com/imobcrm/agendasync/internal/store"
	enginesync "github.com/imobcrm/agendasync/internal/sync"
	"github.com/imobcrm/agendasync/internal/token"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "agendasync",
		Usage: "Sync CRM appointments with Google Calendar.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to JSON config file"},
			&cli.StringFlag{Name: "client-id", Usage: "Google OAuth client id"},
			&cli.StringFlag{Name: "proxy-url", Usage: "token exchange proxy URL"},
			&cli.StringFlag{Name: "token-path", Usage: "path to the stored OAuth token"},
			&cli.StringFlag{Name: "calendar-id", Usage: "remote calendar id"},
			&cli.StringFlag{Name: "db-path", Usage: "path to the appointment database"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		},
		Commands: []*cli.Command{
			authCommand(),
			syncCommand(),
			statusCommand(),
			disconnectCommand(),
			exportCommand(),
			proxyCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(c.String("config"), config.Overrides{
		GoogleClientID: c.String("client-id"),
		ProxyURL:       c.String("proxy-url"),
		TokenPath:      c.String("token-path"),
		CalendarID:     c.String("calendar-id"),
		DBPath:         c.String("db-path"),
		LogLevel:       c.String("log-level"),
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.Setup(cfg.LogLevel), nil
}

func oauthClient(cfg *config.Config, log *zap.Logger) (*oauth.Client, error) {
	return oauth.NewClient(oauth.Config{
		ClientID: cfg.GoogleClientID,
		ProxyURL: cfg.ProxyURL,
		Scopes:   []string{"https://www.googleapis.com/auth/calendar"},
	}, token.NewFileStore(cfg.TokenPath), nil, log)
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Connect a Google account via the browser consent flow.",
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}
			defer log.Sync()

			client, err := oauthClient(cfg, log)
			if err != nil {
				return err
			}

			flow := &oauth.LocalServerFlow{Client: client, Log: log}
			if err := oauth.Connect(c.Context, client, flow); err != nil {
				return fmt.Errorf("authorization failed: %w", err)
			}
			fmt.Println("Google Calendar connected.")
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run a sync pass between the appointment book and Google Calendar.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "direction",
				Value: "both",
				Usage: "to (push), from (import) or both",
			},
			&cli.BoolFlag{
				Name:  "resolve",
				Usage: "interactively resolve detected conflicts",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}
			defer log.Sync()

			client, err := oauthClient(cfg, log)
			if err != nil {
				return err
			}
			gw, err := gateway.NewGoogleGateway(c.Context, client, log)
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()
			appointments := store.New(db)

			engine := enginesync.NewEngine(gw, cfg.CalendarID, log)
			onImport := func(appt model.Appointment) bool {
				return appointments.UpsertFromRemote(c.Context, appt)
			}

			now := time.Now()
			appts, err := appointments.ListBetween(c.Context, now.Add(-7*24*time.Hour), now.Add(30*24*time.Hour))
			if err != nil {
				return err
			}

			var report *model.Report
			switch c.String("direction") {
			case "to":
				report = engine.SyncToRemote(c.Context, appts)
			case "from":
				report = engine.SyncFromRemote(c.Context, onImport)
			case "both":
				report = engine.SyncBidirectional(c.Context, appts, onImport)
			default:
				return fmt.Errorf("unknown direction %q (want to, from or both)", c.String("direction"))
			}

			// Persist the correlations established during the pass.
			for apptID, eventID := range report.Mappings {
				if err := appointments.SetExternalID(c.Context, apptID, eventID); err != nil {
					log.Warn("failed to persist correlation",
						zap.String("appointment", apptID), zap.Error(err))
				}
			}

			printReport(report)

			if c.Bool("resolve") && len(report.Conflicts) > 0 {
				resolver := enginesync.NewResolver(gw, cfg.CalendarID, onImport, log)
				resolveInteractively(c.Context, resolver, report.Conflicts)
			}

			if !report.Success {
				return fmt.Errorf("sync finished with %d error(s)", len(report.Errors))
			}
			return nil
		},
	}
}

func printReport(report *model.Report) {
	fmt.Printf("Sync finished at %s: %d created, %d updated, %d deleted, %d conflict(s), %d error(s)\n",
		report.Timestamp.Format(time.RFC3339),
		report.Created, report.Updated, report.Deleted,
		len(report.Conflicts), len(report.Errors))
	for _, msg := range report.Errors {
		fmt.Println("  error:", msg)
	}
	for i, conflict := range report.Conflicts {
		fmt.Printf("  conflict %d [%s]: %s (suggested: %s)\n",
			i+1, conflict.Kind, conflict.Description, conflict.SuggestedResolution)
	}
}

func resolveInteractively(ctx context.Context, resolver *enginesync.Resolver, conflicts []model.Conflict) {
	reader := bufio.NewReader(os.Stdin)
	for i, conflict := range conflicts {
		fmt.Printf("Conflict %d/%d [%s]: %s\n", i+1, len(conflicts), conflict.Kind, conflict.Description)
		fmt.Printf("Keep [l]ocal, keep [g]oogle, or [s]kip? (suggested: %s) ", conflict.SuggestedResolution)

		answer, _ := reader.ReadString('\n')
		var strategy enginesync.Strategy
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "l", "local":
			strategy = enginesync.StrategyKeepLocal
		case "g", "google":
			strategy = enginesync.StrategyKeepGoogle
		default:
			fmt.Println("  skipped")
			continue
		}

		result := resolver.Resolve(ctx, conflict, strategy)
		if result.Success {
			fmt.Println("  resolved:", result.Message)
		} else {
			fmt.Println("  failed:", result.Message)
		}
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the Google connection status.",
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}
			defer log.Sync()

			creds, err := token.NewFileStore(cfg.TokenPath).Load()
			if err != nil {
				return err
			}
			if creds == nil {
				fmt.Println("Not connected.")
				return nil
			}
			if creds.Valid(time.Now()) {
				fmt.Printf("Connected; access token valid until %s.\n", creds.Expiry.Format(time.RFC3339))
			} else if creds.RefreshToken != "" {
				fmt.Println("Connected; access token expired, will refresh on next use.")
			} else {
				fmt.Println("Connected, but the session can no longer be refreshed. Run 'agendasync auth'.")
			}
			return nil
		},
	}
}

func disconnectCommand() *cli.Command {
	return &cli.Command{
		Name:  "disconnect",
		Usage: "Revoke the Google token and clear the local session.",
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}
			defer log.Sync()

			client, err := oauthClient(cfg, log)
			if err != nil {
				return err
			}
			if err := client.Revoke(c.Context); err != nil {
				return err
			}
			fmt.Println("Disconnected.")
			return nil
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Write the appointment book as an iCalendar file.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Value: "agenda.ics", Usage: "output file"},
			&cli.IntFlag{Name: "days", Value: 30, Usage: "how many days ahead to include"},
		},
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}
			defer log.Sync()

			db, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			now := time.Now()
			appts, err := store.New(db).ListBetween(c.Context, now, now.AddDate(0, 0, c.Int("days")))
			if err != nil {
				return err
			}

			data, err := ics.Export(appts)
			if err != nil {
				return err
			}
			if err := os.WriteFile(c.String("out"), data, 0644); err != nil {
				return err
			}
			fmt.Printf("Wrote %d appointment(s) to %s\n", len(appts), c.String("out"))
			return nil
		},
	}
}

func proxyCommand() *cli.Command {
	return &cli.Command{
		Name:  "proxy",
		Usage: "Serve the token exchange proxy (requires the client secret).",
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}
			defer log.Sync()

			handler, err := proxy.NewHandler(proxy.Config{
				ClientID:     cfg.GoogleClientID,
				ClientSecret: cfg.GoogleClientSecret,
			}, log)
			if err != nil {
				return err
			}

			mux := http.NewServeMux()
			mux.Handle("/api/google-oauth", handler)

			log.Info("token proxy listening", zap.String("addr", cfg.ProxyListenAddr))
			server := &http.Server{
				Addr:         cfg.ProxyListenAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 30 * time.Second,
			}
			return server.ListenAndServe()
		},
	}
}
