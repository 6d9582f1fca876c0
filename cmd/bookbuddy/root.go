package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"bookbuddy/internal/util"
	"bookbuddy/pkg/capture"
	"bookbuddy/pkg/client"
	"bookbuddy/pkg/identity"
	"bookbuddy/pkg/library"
	"bookbuddy/pkg/lookup"
	"bookbuddy/pkg/workflow"
)

type commandContext struct {
	configFlag  string
	serverFlag  string
	profileFlag string
	noColor     bool

	once sync.Once
	env  *environment
	err  error
}

// environment is everything a command needs, built once per invocation.
type environment struct {
	cfg      cliConfig
	cfgPath  string
	logger   *slog.Logger
	out      *printer
	session  *identity.Session
	api      *client.Client
	search   workflow.Searcher
	profiles *library.Selector
	notifier *library.Notifier
	mic      capture.Microphone
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:   "bookbuddy",
		Short: "Track the books your family reads",
		Long: `bookbuddy keeps a reading log per family profile.

Look books up by title or ISBN, add them with a rating, a written summary
and a recorded voice summary, and browse or prune each profile's library.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&ctx.configFlag, "config", "c", "", "Configuration file path (default: $XDG_CONFIG_HOME/bookbuddy/config.yaml)")
	flags.StringVar(&ctx.serverFlag, "server", "", "Library service URL")
	flags.StringVarP(&ctx.profileFlag, "profile", "p", "", "Profile to act as (harry, hermione, ron, ginny, albus, lily)")
	flags.BoolVar(&ctx.noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(
		newSignInCommand(ctx),
		newSignOutCommand(ctx),
		newWhoAmICommand(ctx),
		newProfilesCommand(ctx),
		newSearchCommand(ctx),
		newListCommand(ctx),
		newAddCommand(ctx),
		newDeleteCommand(ctx),
	)
	return rootCmd
}

func (c *commandContext) ensure(cmd *cobra.Command) (*environment, error) {
	c.once.Do(func() {
		c.env, c.err = c.build(cmd)
	})
	return c.env, c.err
}

func (c *commandContext) build(cmd *cobra.Command) (*environment, error) {
	cfg, cfgPath, err := loadCLIConfig(c.configFlag)
	if err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(c.serverFlag); v != "" {
		cfg.ServerURL = strings.TrimRight(v, "/")
	}
	timeout, err := cfg.timeout()
	if err != nil {
		return nil, err
	}

	logger := util.InitLoggerTo(cmd.ErrOrStderr(), cfg.LogLevel)
	httpClient := &http.Client{Timeout: timeout}

	base := client.New(cfg.ServerURL,
		client.WithHTTPClient(httpClient),
		client.WithLogger(logger.With("component", "client")),
	)
	session := identity.NewSession(base, cfg.IdentityFile, logger.With("component", "identity"))
	api := base.WithTokens(session)

	var search workflow.Searcher = api
	if strings.TrimSpace(cfg.OpenLibraryURL) != "" {
		search = lookup.New(cfg.OpenLibraryURL,
			lookup.WithHTTPClient(httpClient),
			lookup.WithLogger(logger.With("component", "lookup")),
		)
	}

	initial := cfg.DefaultProfile
	if p := strings.TrimSpace(c.profileFlag); p != "" {
		initial = p
	}
	profiles := library.NewSelector("")
	if err := profiles.Select(initial); err != nil {
		return nil, fmt.Errorf("profile %q: %w", initial, err)
	}

	out := newPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), c.noColor)
	notifier := library.NewNotifier(0)
	out.follow(notifier)

	return &environment{
		cfg:      cfg,
		cfgPath:  cfgPath,
		logger:   logger,
		out:      out,
		session:  session,
		api:      api,
		search:   search,
		profiles: profiles,
		notifier: notifier,
		mic: capture.NewExecMicrophone(
			capture.WithBinary(cfg.Microphone.Binary),
			capture.WithDevice(cfg.Microphone.Format, cfg.Microphone.Device),
		),
	}, nil
}
