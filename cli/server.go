package cli

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/aisrelay/cli/clilog"
	"github.com/coder/aisrelay/fishing"
	"github.com/coder/aisrelay/forward"
	"github.com/coder/aisrelay/pubsub"
	"github.com/coder/aisrelay/registry"
	"github.com/coder/aisrelay/relay"
	"github.com/coder/serpent"
)

const (
	sinkLog      = "log"
	sinkWebhook  = "webhook"
	sinkPubsub   = "pubsub"
	sinkPostgres = "postgres"
)

// feedFlags become the relay's initial settings.
type feedFlags struct {
	host               string
	port               int64
	username           string
	password           string
	onlyFishingVessels bool
	homeFlagState      string
	pluginName         string

	superviseInterval     time.Duration
	shortBackoff          time.Duration
	longBackoff           time.Duration
	movementFlushInterval time.Duration
	fishingFlushInterval  time.Duration
	staticFlushInterval   time.Duration
	retryInterval         time.Duration

	settingsFile string
}

func (f *feedFlags) attach(opts *serpent.OptionSet) {
	defaults := relay.DefaultSettings()
	*opts = append(*opts,
		serpent.Option{
			Flag:        "feed-host",
			Env:         "AISRELAY_FEED_HOST",
			Description: "Host of the AIS feed.",
			Value:       serpent.StringOf(&f.host),
		},
		serpent.Option{
			Flag:        "feed-port",
			Env:         "AISRELAY_FEED_PORT",
			Description: "TCP port of the AIS feed.",
			Default:     "0",
			Value:       serpent.Int64Of(&f.port),
		},
		serpent.Option{
			Flag:        "feed-username",
			Env:         "AISRELAY_FEED_USERNAME",
			Description: "Username sent in the feed login line.",
			Value:       serpent.StringOf(&f.username),
		},
		serpent.Option{
			Flag:        "feed-password",
			Env:         "AISRELAY_FEED_PASSWORD",
			Description: "Password sent in the feed login line.",
			Value:       serpent.StringOf(&f.password),
		},
		serpent.Option{
			Flag:        "only-fishing-vessels",
			Env:         "AISRELAY_ONLY_FISHING_VESSELS",
			Description: "Forward only movements of known fishing vessels. Other movements are written to the saved movements log.",
			Value:       serpent.BoolOf(&f.onlyFishingVessels),
		},
		serpent.Option{
			Flag:        "home-flag-state",
			Env:         "AISRELAY_HOME_FLAG_STATE",
			Description: "ISO 3166-1 alpha-3 flag state whose movements are sent with high priority.",
			Value:       serpent.StringOf(&f.homeFlagState),
		},
		serpent.Option{
			Flag:        "plugin-name",
			Env:         "AISRELAY_PLUGIN_NAME",
			Description: "Name of this relay in outgoing messages and registration.",
			Default:     defaults.PluginName,
			Value:       serpent.StringOf(&f.pluginName),
		},
		serpent.Option{
			Flag:        "supervise-interval",
			Env:         "AISRELAY_SUPERVISE_INTERVAL",
			Description: "How often the feed connection is checked and drained.",
			Default:     defaults.SuperviseInterval.String(),
			Value:       serpent.DurationOf(&f.superviseInterval),
		},
		serpent.Option{
			Flag:        "short-backoff",
			Env:         "AISRELAY_SHORT_BACKOFF",
			Description: "Silence after which a quiet feed is reconnected.",
			Default:     defaults.ShortBackoff.String(),
			Value:       serpent.DurationOf(&f.shortBackoff),
		},
		serpent.Option{
			Flag:        "long-backoff",
			Env:         "AISRELAY_LONG_BACKOFF",
			Description: "Reconnect delay after repeated failed reconnects.",
			Default:     defaults.LongBackoff.String(),
			Value:       serpent.DurationOf(&f.longBackoff),
		},
		serpent.Option{
			Flag:        "movement-flush-interval",
			Env:         "AISRELAY_MOVEMENT_FLUSH_INTERVAL",
			Default:     defaults.MovementFlushInterval.String(),
			Description: "How often collected movements are forwarded.",
			Value:       serpent.DurationOf(&f.movementFlushInterval),
		},
		serpent.Option{
			Flag:        "fishing-flush-interval",
			Env:         "AISRELAY_FISHING_FLUSH_INTERVAL",
			Default:     defaults.FishingFlushInterval.String(),
			Description: "How often collected fishing vessel movements are forwarded.",
			Value:       serpent.DurationOf(&f.fishingFlushInterval),
		},
		serpent.Option{
			Flag:        "static-flush-interval",
			Env:         "AISRELAY_STATIC_FLUSH_INTERVAL",
			Default:     defaults.StaticFlushInterval.String(),
			Description: "How often collected vessel static reports are forwarded.",
			Value:       serpent.DurationOf(&f.staticFlushInterval),
		},
		serpent.Option{
			Flag:        "retry-interval",
			Env:         "AISRELAY_RETRY_INTERVAL",
			Default:     defaults.RetryInterval.String(),
			Description: "How often failed deliveries are retried.",
			Value:       serpent.DurationOf(&f.retryInterval),
		},
		serpent.Option{
			Flag:        "settings-file",
			Env:         "AISRELAY_SETTINGS_FILE",
			Description: "YAML file of relay settings. Values in the file take precedence over flags.",
			Value:       serpent.StringOf(&f.settingsFile),
		},
	)
}

func (f *feedFlags) settings() (relay.Settings, error) {
	s := relay.Settings{
		Host:                  f.host,
		Port:                  int(f.port),
		Username:              f.username,
		Password:              f.password,
		OnlyFishingVessels:    f.onlyFishingVessels,
		HomeFlagState:         f.homeFlagState,
		PluginName:            f.pluginName,
		SuperviseInterval:     f.superviseInterval,
		ShortBackoff:          f.shortBackoff,
		LongBackoff:           f.longBackoff,
		MovementFlushInterval: f.movementFlushInterval,
		FishingFlushInterval:  f.fishingFlushInterval,
		StaticFlushInterval:   f.staticFlushInterval,
		RetryInterval:         f.retryInterval,
	}
	if f.settingsFile != "" {
		return relay.LoadSettingsFile(f.settingsFile, s)
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// sinkFlags select where messages and dead letters go.
type sinkFlags struct {
	sinks                 []string
	webhookURL            string
	webhookDeadLetterURL  string
	encoding              string
	postgresURL           string
	messageChannel        string
	deadLetterChannel     string
	deadLetterArchive     string
	registryURL           string
	registryTTL           time.Duration
	registryEventsChannel string
	registerURL           string
	registerInterval      time.Duration
	registerAttempts      int64
	savedMovementsLog     string
}

func (f *sinkFlags) attach(opts *serpent.OptionSet) {
	*opts = append(*opts,
		serpent.Option{
			Flag:        "sink",
			Env:         "AISRELAY_SINKS",
			Description: "Where messages are delivered. Repeat to deliver to several sinks. One of log, webhook, pubsub or postgres.",
			Default:     sinkLog,
			Value:       serpent.StringArrayOf(&f.sinks),
		},
		serpent.Option{
			Flag:        "webhook-url",
			Env:         "AISRELAY_WEBHOOK_URL",
			Description: "URL receiving a POST per message when the webhook sink is used.",
			Value:       serpent.StringOf(&f.webhookURL),
		},
		serpent.Option{
			Flag:        "webhook-dead-letter-url",
			Env:         "AISRELAY_WEBHOOK_DEAD_LETTER_URL",
			Description: "URL receiving a POST per dead letter when the webhook sink is used.",
			Value:       serpent.StringOf(&f.webhookDeadLetterURL),
		},
		serpent.Option{
			Flag:        "encoding",
			Env:         "AISRELAY_ENCODING",
			Description: "Wire encoding of webhook and pubsub payloads.",
			Default:     forward.JSON.Name(),
			Value:       serpent.EnumOf(&f.encoding, forward.JSON.Name(), forward.CBOR.Name()),
		},
		serpent.Option{
			Flag:        "postgres-url",
			Env:         "AISRELAY_PG_CONNECTION_URL",
			Description: "Postgres connection URL. Enables the postgres sink and LISTEN/NOTIFY based events.",
			Value:       serpent.StringOf(&f.postgresURL),
		},
		serpent.Option{
			Flag:        "message-channel",
			Env:         "AISRELAY_MESSAGE_CHANNEL",
			Description: "Pubsub channel carrying messages.",
			Default:     forward.DefaultMessageChannel,
			Value:       serpent.StringOf(&f.messageChannel),
		},
		serpent.Option{
			Flag:        "dead-letter-channel",
			Env:         "AISRELAY_DEAD_LETTER_CHANNEL",
			Description: "Pubsub channel carrying dead letters.",
			Default:     forward.DefaultDeadLetterChannel,
			Value:       serpent.StringOf(&f.deadLetterChannel),
		},
		serpent.Option{
			Flag:        "dead-letter-archive",
			Env:         "AISRELAY_DEAD_LETTER_ARCHIVE",
			Description: "SQLite file that keeps a copy of every dead letter.",
			Value:       serpent.StringOf(&f.deadLetterArchive),
		},
		serpent.Option{
			Flag:        "registry-url",
			Env:         "AISRELAY_REGISTRY_URL",
			Description: "Vessel registry consulted when classifying static reports.",
			Value:       serpent.StringOf(&f.registryURL),
		},
		serpent.Option{
			Flag:        "registry-ttl",
			Env:         "AISRELAY_REGISTRY_TTL",
			Description: "How long vessel registry answers are cached.",
			Default:     registry.DefaultTTL.String(),
			Value:       serpent.DurationOf(&f.registryTTL),
		},
		serpent.Option{
			Flag:        "registry-events-channel",
			Env:         "AISRELAY_REGISTRY_EVENTS_CHANNEL",
			Description: "Pubsub channel of vessel registry change events. Empty disables the listener.",
			Value:       serpent.StringOf(&f.registryEventsChannel),
		},
		serpent.Option{
			Flag:        "register-url",
			Env:         "AISRELAY_REGISTER_URL",
			Description: "Orchestrator endpoint the relay registers with. Empty skips registration.",
			Value:       serpent.StringOf(&f.registerURL),
		},
		serpent.Option{
			Flag:        "register-interval",
			Env:         "AISRELAY_REGISTER_INTERVAL",
			Description: "Delay between registration attempts.",
			Default:     relay.DefaultRegisterInterval.String(),
			Value:       serpent.DurationOf(&f.registerInterval),
		},
		serpent.Option{
			Flag:        "register-attempts",
			Env:         "AISRELAY_REGISTER_ATTEMPTS",
			Description: "Registration attempts before giving up.",
			Default:     "10",
			Value:       serpent.Int64Of(&f.registerAttempts),
		},
		serpent.Option{
			Flag:        "saved-movements-log",
			Env:         "AISRELAY_SAVED_MOVEMENTS_LOG",
			Description: "Rotated JSON log of movements withheld while only fishing vessels are forwarded.",
			Value:       serpent.StringOf(&f.savedMovementsLog),
		},
	)
}

type logFlags struct {
	human   string
	json    string
	filter  []string
	verbose bool
}

func (f *logFlags) attach(opts *serpent.OptionSet) {
	*opts = append(*opts,
		serpent.Option{
			Flag:        "log-human",
			Env:         "AISRELAY_LOGGING_HUMAN",
			Description: "Output human-readable logs to a given file.",
			Default:     "/dev/stderr",
			Value:       serpent.StringOf(&f.human),
		},
		serpent.Option{
			Flag:        "log-json",
			Env:         "AISRELAY_LOGGING_JSON",
			Description: "Output JSON logs to a given file.",
			Value:       serpent.StringOf(&f.json),
		},
		serpent.Option{
			Flag:        "log-filter",
			Env:         "AISRELAY_LOG_FILTER",
			Description: "Filter debug logs by matching against a given regex. Use .* to match all debug logs.",
			Value:       serpent.StringArrayOf(&f.filter),
		},
		serpent.Option{
			Flag:          "verbose",
			FlagShorthand: "v",
			Env:           "AISRELAY_VERBOSE",
			Description:   "Output debug-level logs.",
			Value:         serpent.BoolOf(&f.verbose),
		},
	)
}

func (f *logFlags) builder() *clilog.Builder {
	opts := []clilog.Option{
		clilog.WithHuman(f.human),
		clilog.WithJSON(f.json),
		clilog.WithFilter(f.filter...),
	}
	if f.verbose {
		opts = append(opts, clilog.WithVerbose())
	}
	return clilog.New(opts...)
}

func (r *RootCmd) server() *serpent.Command {
	var (
		httpAddress string
		autostart   bool
		feed        feedFlags
		sinks       sinkFlags
		logs        logFlags
	)
	opts := serpent.OptionSet{
		{
			Flag:        "http-address",
			Env:         "AISRELAY_HTTP_ADDRESS",
			Description: "Address serving the control API, health checks and metrics.",
			Default:     "127.0.0.1:3000",
			Value:       serpent.StringOf(&httpAddress),
		},
		{
			Flag:        "autostart",
			Env:         "AISRELAY_AUTOSTART",
			Description: "Enable the feed on startup instead of waiting for a start request.",
			Value:       serpent.BoolOf(&autostart),
		},
	}
	feed.attach(&opts)
	sinks.attach(&opts)
	logs.attach(&opts)

	return &serpent.Command{
		Use:     "server",
		Short:   "Run the relay",
		Options: opts,
		Handler: func(inv *serpent.Invocation) error {
			ctx, stop := signal.NotifyContext(inv.Context(), interruptSignals...)
			defer stop()

			logger, closeLog, err := logs.builder().Build(inv)
			if err != nil {
				return xerrors.Errorf("make logger: %w", err)
			}
			defer closeLog()

			settings, err := feed.settings()
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			var ps pubsub.Pubsub = pubsub.NewInMemory()
			if sinks.postgresURL != "" {
				db, err := sql.Open("postgres", sinks.postgresURL)
				if err != nil {
					return xerrors.Errorf("open postgres: %w", err)
				}
				defer db.Close()
				if err := db.PingContext(ctx); err != nil {
					return xerrors.Errorf("ping postgres: %w", err)
				}
				pg, err := pubsub.NewPostgres(ctx, logger.Named("pubsub"), db, sinks.postgresURL)
				if err != nil {
					return xerrors.Errorf("create pubsub: %w", err)
				}
				reg.MustRegister(pg)
				ps = pg
			}
			defer ps.Close()

			sink, deadLetters, closeSinks, err := sinks.build(ctx, logger, ps)
			if err != nil {
				return err
			}
			defer closeSinks()

			forwarder, err := forward.New(forward.Options{
				Logger:        logger.Named("forward"),
				Registerer:    reg,
				Sink:          sink,
				DeadLetters:   deadLetters,
				PluginName:    settings.PluginName,
				HomeFlagState: settings.HomeFlagState,
			})
			if err != nil {
				return xerrors.Errorf("create forwarder: %w", err)
			}

			fishingSet := fishing.NewSet()
			if sinks.registryEventsChannel != "" {
				listener := fishing.NewListener(logger.Named("fishing"), fishingSet, ps, sinks.registryEventsChannel)
				if err := listener.Start(); err != nil {
					return xerrors.Errorf("start registry event listener: %w", err)
				}
				defer listener.Close()
			}

			relayOpts := relay.Options{
				Logger:    logger.Named("relay"),
				Registry:  reg,
				Settings:  settings,
				Forwarder: forwarder,
				Fishing:   fishingSet,
				Pubsub:    ps,
			}
			if sinks.registryURL != "" {
				client, err := registry.New(sinks.registryURL,
					registry.WithLogger(logger.Named("registry")),
					registry.WithTTL(sinks.registryTTL),
				)
				if err != nil {
					return err
				}
				relayOpts.VesselRegistry = client
			}
			if sinks.registerURL != "" {
				registrar, err := relay.NewRegistrar(relay.RegistrarOptions{
					Logger:      logger.Named("registrar"),
					URL:         sinks.registerURL,
					Interval:    sinks.registerInterval,
					MaxAttempts: int(sinks.registerAttempts),
				})
				if err != nil {
					return err
				}
				relayOpts.Registrar = registrar
			}
			if sinks.savedMovementsLog != "" {
				w := clilog.RotatingFile(sinks.savedMovementsLog)
				defer w.Close()
				relayOpts.SavedMovements = w
			}

			rel, err := relay.New(relayOpts)
			if err != nil {
				return xerrors.Errorf("create relay: %w", err)
			}
			defer func() {
				if err := rel.Close(); err != nil {
					logger.Warn(context.Background(), "close relay", slog.Error(err))
				}
			}()
			if autostart {
				if err := rel.Start(); err != nil {
					return xerrors.Errorf("autostart: %w", err)
				}
			}

			closeHTTP, err := serveHandler(ctx, logger, rel.Handler(), httpAddress, "api")
			if err != nil {
				return err
			}
			defer closeHTTP()

			<-ctx.Done()
			logger.Info(context.Background(), "shutting down")
			return nil
		},
	}
}

// build returns the delivery sink and the dead-letter sink. Every sink that
// can hold dead letters gets a copy of each one.
func (f *sinkFlags) build(ctx context.Context, logger slog.Logger, ps pubsub.Pubsub) (forward.Sink, forward.DeadLetterSink, func(), error) {
	encoding, err := forward.ParseEncoding(f.encoding)
	if err != nil {
		return nil, nil, nil, err
	}

	var (
		closers     []func() error
		fanout      forward.Fanout
		deadLetters = forward.DeadLetterFanout{forward.LogSink{Log: logger.Named("dead_letters")}}
	)
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}

	seen := map[string]bool{}
	for _, kind := range f.sinks {
		if seen[kind] {
			continue
		}
		seen[kind] = true

		switch kind {
		case sinkLog:
			fanout = append(fanout, forward.LogSink{Log: logger.Named("messages")})
		case sinkWebhook:
			webhook, err := forward.NewWebhookSink(forward.WebhookOptions{
				Logger:             logger.Named("webhook"),
				Endpoint:           f.webhookURL,
				DeadLetterEndpoint: f.webhookDeadLetterURL,
				Encoding:           encoding,
			})
			if err != nil {
				closeAll()
				return nil, nil, nil, err
			}
			fanout = append(fanout, webhook)
			if f.webhookDeadLetterURL != "" {
				deadLetters = append(deadLetters, webhook)
			}
		case sinkPubsub, sinkPostgres:
			opts := forward.PubsubOptions{
				Pubsub:            ps,
				Encoding:          encoding,
				Channel:           f.messageChannel,
				DeadLetterChannel: f.deadLetterChannel,
			}
			if kind == sinkPostgres {
				if f.postgresURL == "" {
					closeAll()
					return nil, nil, nil, xerrors.New("the postgres sink requires --postgres-url")
				}
				opts.MaxMessageSize = pubsub.MaxMessageSize
			}
			s := forward.NewPubsubSink(opts)
			fanout = append(fanout, s)
			deadLetters = append(deadLetters, s)
		default:
			closeAll()
			return nil, nil, nil, xerrors.Errorf("unknown sink %q, expected one of %s, %s, %s or %s",
				kind, sinkLog, sinkWebhook, sinkPubsub, sinkPostgres)
		}
	}
	if len(fanout) == 0 {
		return nil, nil, nil, xerrors.New("at least one sink is required")
	}

	if f.deadLetterArchive != "" {
		archive, err := forward.OpenSQLiteArchive(ctx, f.deadLetterArchive)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		closers = append(closers, archive.Close)
		deadLetters = append(deadLetters, archive)
	}
	return fanout, deadLetters, closeAll, nil
}

// serveHandler listens on addr before returning so a bad address fails the
// command.
func serveHandler(ctx context.Context, logger slog.Logger, handler http.Handler, addr, name string) (closeFunc func(), err error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Errorf("listen %s on %q: %w", name, addr, err)
	}
	logger.Info(ctx, "http server listening", slog.F("addr", l.Addr().String()), slog.F("name", name))

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}
	go func() {
		err := srv.Serve(l)
		if err != nil && !xerrors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server serve", slog.F("name", name), slog.Error(err))
		}
	}()

	return func() {
		if err := shutdownWithTimeout(srv, 5*time.Second); err != nil {
			logger.Warn(context.Background(), "http server shutdown", slog.F("name", name), slog.Error(err))
			_ = srv.Close()
		}
	}, nil
}

func shutdownWithTimeout(s interface{ Shutdown(context.Context) error }, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(ctx)
}
