package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"calhub/internal/api"
	"calhub/internal/google"
	"calhub/internal/models"
	"calhub/internal/provider"
	"calhub/internal/rrule"
	"calhub/internal/syncer"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authorize a Google or Microsoft account and save its token to a file.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "provider", Value: "google", Usage: "google or microsoft"},
			&cli.BoolFlag{Name: "list", Usage: "List the saved token files and exit."},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("list") {
				accounts, err := google.GetTokenAccounts(".")
				if err != nil {
					return fmt.Errorf("failed to list tokens: %w", err)
				}
				for _, name := range accounts {
					fmt.Println(name)
				}
				return nil
			}

			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}

			var oauthCfg *oauth2.Config
			switch kind := models.ProviderKind(c.String("provider")); kind {
			case models.ProviderGoogle:
				oauthCfg, err = google.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)
			case models.ProviderMicrosoft:
				oauthCfg, err = microsoftOAuth(cfg)
				if err == nil && oauthCfg == nil {
					err = fmt.Errorf("microsoft oauth client is not configured")
				}
			default:
				return fmt.Errorf("%s does not use oauth", kind)
			}
			if err != nil {
				return fmt.Errorf("failed to get oauth config: %w", err)
			}
			logger.Info("Starting authentication flow.", "provider", c.String("provider"))

			reader := bufio.NewReader(os.Stdin)
			authCode, err := authorize(c, oauthCfg, reader, logger)
			if err != nil {
				return err
			}

			token, err := google.TokenFromWeb(c.Context, oauthCfg, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			fmt.Print("Enter a name for this account (e.g., 'personal', 'work'): ")
			accountName, _ := reader.ReadString('\n')
			tokenFile := google.TokenFileName(strings.TrimSpace(accountName))

			if err := google.SaveToken(tokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token.", "file", tokenFile)
			return nil
		},
	}
}

// authorize runs the consent step. A loopback redirect is served locally and
// the code is captured from it; any other redirect falls back to pasting the
// code by hand.
func authorize(c *cli.Context, oauthCfg *oauth2.Config, reader *bufio.Reader, logger *slog.Logger) (string, error) {
	state := uuid.NewString()
	recv, err := google.NewCodeReceiver(oauthCfg.RedirectURL, state)
	if err != nil {
		logger.Debug("Not listening for the redirect", "redirectURL", oauthCfg.RedirectURL, "error", err)
		authURL := oauthCfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
		fmt.Printf("Go to the following link in your browser then type the "+
			"authorization code: \n%v\n", authURL)
		fmt.Print("Enter Authorization Code: ")
		authCode, _ := reader.ReadString('\n')
		return strings.TrimSpace(authCode), nil
	}
	defer recv.Close()

	oauthCfg.RedirectURL = recv.RedirectURL()
	authURL := oauthCfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Printf("Go to the following link in your browser to authorize calhub:\n%v\n", authURL)
	logger.Info("Waiting for the authorization redirect.", "redirectURL", recv.RedirectURL())

	ctx, cancel := context.WithTimeout(c.Context, 5*time.Minute)
	defer cancel()
	code, err := recv.Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("authorization failed: %w", err)
	}
	return code, nil
}

func connectCommand() *cli.Command {
	return &cli.Command{
		Name:  "connect",
		Usage: "Store an account and run its first sync.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true, Usage: "Owner of the account."},
			&cli.StringFlag{Name: "provider", Required: true, Usage: "google, microsoft, icloud, caldav or local"},
			&cli.StringFlag{Name: "email"},
			&cli.StringFlag{Name: "token-file", Usage: "Token saved by the auth command (google, microsoft)."},
			&cli.StringFlag{Name: "username", Usage: "CalDAV user name (icloud, caldav)."},
			&cli.StringFlag{Name: "password", EnvVars: []string{"CALHUB_CALDAV_PASSWORD"}, Usage: "CalDAV or app-specific password."},
			&cli.StringFlag{Name: "server-url", Usage: "CalDAV server URL. Defaults to iCloud for icloud."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}

			req := syncer.ConnectRequest{
				UserID:   c.String("user"),
				Provider: models.ProviderKind(c.String("provider")),
				Email:    c.String("email"),
			}
			switch {
			case req.Provider.UsesOAuth():
				if c.String("token-file") == "" {
					return fmt.Errorf("--token-file is required for %s; run the auth command first", req.Provider.DisplayName())
				}
				if req.Token, err = google.TokenFromFile(c.String("token-file")); err != nil {
					return fmt.Errorf("failed to read token: %w", err)
				}
			case req.Provider.UsesCalDAV():
				req.Basic = &provider.BasicCredentials{
					Username:  c.String("username"),
					Password:  c.String("password"),
					ServerURL: c.String("server-url"),
				}
			}

			a, err := openApp(c.Context, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			acc, err := a.syncer.Connect(c.Context, req)
			if err != nil {
				return fmt.Errorf("failed to connect account: %w", err)
			}
			logger.Info("Account connected.", "accountID", acc.ID, "provider", acc.Provider)

			if !acc.Provider.IsRemote() {
				return printJSON(map[string]string{"accountId": acc.ID})
			}
			return printJSON(a.syncer.SyncAccount(c.Context, acc.ID))
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run the calendar synchronization process.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "account", Usage: "Sync only this account."},
			&cli.IntFlag{Name: "watch", Value: 300, Usage: "Run sync every N seconds instead of once."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			a, err := openApp(c.Context, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			cycle := func() error {
				ids := []string{c.String("account")}
				if ids[0] == "" {
					accounts, err := a.store.ListActiveAccounts(c.Context)
					if err != nil {
						return fmt.Errorf("failed to list accounts: %w", err)
					}
					ids = ids[:0]
					for _, acc := range accounts {
						if acc.Provider.IsRemote() {
							ids = append(ids, acc.ID)
						}
					}
				}
				if len(ids) == 0 {
					logger.Info("No accounts to sync. Run the 'connect' command first.")
					return nil
				}
				reports := make([]*syncer.Report, 0, len(ids))
				for _, id := range ids {
					reports = append(reports, a.syncer.SyncAccount(c.Context, id))
				}
				return printJSON(reports)
			}

			// --watch keeps running until interrupted
			if c.IsSet("watch") {
				interval := time.Duration(c.Int("watch")) * time.Second
				logger.Info("Starting watcher.", "interval", interval)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					if err := cycle(); err != nil {
						logger.Error("Sync cycle failed", "error", err)
					}
					select {
					case <-c.Context.Done():
						return nil
					case <-ticker.C:
					}
				}
			}

			logger.Info("Running a single sync cycle.")
			return cycle()
		},
	}
}

func expandCommand() *cli.Command {
	return &cli.Command{
		Name:  "expand",
		Usage: "Print the occurrences of a recurrence rule.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "rule", Required: true, Usage: "e.g. FREQ=WEEKLY;BYDAY=MO,WE"},
			&cli.TimestampFlag{Name: "start", Layout: time.RFC3339, Required: true, Usage: "Start of the first occurrence."},
			&cli.TimestampFlag{Name: "from", Layout: time.RFC3339, Usage: "Window start. Defaults to --start."},
			&cli.TimestampFlag{Name: "to", Layout: time.RFC3339, Usage: "Window end. Defaults to 90 days after the window start."},
			&cli.StringSliceFlag{Name: "exdate", Usage: "RFC 3339 instant to exclude. Repeatable."},
			&cli.IntFlag{Name: "max", Value: rrule.DefaultMaxOccurrences},
		},
		Action: func(c *cli.Context) error {
			rule, err := rrule.Parse(c.String("rule"))
			if err != nil {
				return err
			}
			start := *c.Timestamp("start")
			from := start
			if c.IsSet("from") {
				from = *c.Timestamp("from")
			}
			to := from.AddDate(0, 0, 90)
			if c.IsSet("to") {
				to = *c.Timestamp("to")
			}

			var exDates []time.Time
			for _, s := range c.StringSlice("exdate") {
				t, err := time.Parse(time.RFC3339, s)
				if err != nil {
					return fmt.Errorf("invalid exdate %q: %w", s, err)
				}
				exDates = append(exDates, t)
			}

			for _, t := range rrule.Expand(rule, start, exDates, from, to, c.Int("max")) {
				fmt.Println(t.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func waitCommand() *cli.Command {
	return &cli.Command{
		Name:  "wait",
		Usage: "Poll a running server until an account has finished syncing.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "account", Required: true},
			&cli.StringFlag{Name: "url", Usage: "API base URL. Defaults to the configured listen address."},
			&cli.IntFlag{Name: "attempts", Value: api.DefaultPollConfig().MaxAttempts},
			&cli.DurationFlag{Name: "delay", Value: api.DefaultPollConfig().BaseDelay, Usage: "First retry delay; doubles each attempt."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			baseURL := c.String("url")
			if baseURL == "" {
				baseURL = "http://" + cfg.Listen
			}

			poller := api.NewPoller(logger, &http.Client{Timeout: 10 * time.Second}, baseURL, api.PollConfig{
				MaxAttempts: c.Int("attempts"),
				BaseDelay:   c.Duration("delay"),
			})
			status, err := poller.WaitUntilSynced(c.Context, c.String("account"))
			if err != nil {
				return err
			}
			return printJSON(status)
		},
	}
}
