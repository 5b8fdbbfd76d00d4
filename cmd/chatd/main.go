package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/you/chzzk-chat/internal/chzzkapi"
	"github.com/you/chzzk-chat/internal/chzzkchat"
	"github.com/you/chzzk-chat/internal/config"
	"github.com/you/chzzk-chat/internal/core"
	"github.com/you/chzzk-chat/internal/credentials"
	"github.com/you/chzzk-chat/internal/harvester"
	httpadmin "github.com/you/chzzk-chat/internal/http"
	"github.com/you/chzzk-chat/internal/httpapi"
	"github.com/you/chzzk-chat/internal/imagecache"
	"github.com/you/chzzk-chat/internal/ingesttrace"
	"github.com/you/chzzk-chat/internal/sink"
	"github.com/you/chzzk-chat/internal/version"
)

const (
	prefetchQueue   = 64
	shutdownTimeout = 5 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag     bool
		dbPath          string
		channel         string
		cookiesFile     string
		chatURL         string
		cacheDir        string
		httpAddr        string
		httpCorsOrigins string
		httpRateRPS     int
		httpRateBurst   int
		httpAccessLog   bool
		httpTrustProxy  bool
		verboseDrops    bool
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&dbPath, "sqlite", "chat.db", "Path to SQLite database file")
	flag.StringVar(&channel, "channel", "", "Chzzk channel id or channel URL")
	flag.StringVar(&cookiesFile, "cookies-file", "cookies.json", "Path to a Naver cookie file (JSON object, JSON list or Cookie header)")
	flag.StringVar(&chatURL, "chat-url", chzzkchat.DefaultChatURL, "Chat WebSocket endpoint")
	flag.StringVar(&cacheDir, "cache-dir", "cache", "Directory for cached badge and emoji images")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP status/stream address (e.g., :8765)")
	flag.StringVar(&httpCorsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.IntVar(&httpRateRPS, "http-rate-rps", 20, "Maximum HTTP requests per second per client")
	flag.IntVar(&httpRateBurst, "http-rate-burst", 40, "Burst size for HTTP rate limiter")
	flag.BoolVar(&httpAccessLog, "http-access-log", false, "Log HTTP access records")
	flag.BoolVar(&httpTrustProxy, "http-trust-proxy", false, "Rate limit by X-Forwarded-For when behind a reverse proxy")
	flag.BoolVar(&verboseDrops, "verbose-drops", false, "Log every dropped chat element")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"chatd version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()

	if overrides["sqlite"] {
		cfg.Sink.SQLite.Path = strings.TrimSpace(dbPath)
		if !cfg.HasSink("sqlite") {
			cfg.Sinks = append(cfg.Sinks, "sqlite")
		}
	}
	if overrides["channel"] {
		cfg.Chzzk.Channel = strings.TrimSpace(channel)
	}
	if overrides["cookies-file"] {
		cfg.Chzzk.CookiesFile = strings.TrimSpace(cookiesFile)
	}
	if overrides["chat-url"] {
		cfg.Chzzk.ChatURL = strings.TrimSpace(chatURL)
	}
	if overrides["cache-dir"] {
		cfg.Images.CacheDir = strings.TrimSpace(cacheDir)
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["verbose-drops"] {
		cfg.Chzzk.VerboseDrops = verboseDrops
	}

	if cfg.Chzzk.VerboseDrops {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if strings.TrimSpace(cfg.Chzzk.Channel) == "" {
		log.Fatal("chatd: no channel configured; set CHZZK_CHANNEL or -channel")
	}
	if chzzkapi.ResolveChannelID(cfg.Chzzk.Channel) == "" {
		log.Fatalf("chatd: %q does not contain a channel id", cfg.Chzzk.Channel)
	}

	log.Printf("%s", cfg.SummaryJSON())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("chatd: received %s, shutting down", sig)
		cancel()
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var inline chzzkapi.Credentials
	if cfg.Chzzk.Cookies != "" {
		parsed, err := credentials.Parse([]byte(cfg.Chzzk.Cookies))
		if err != nil {
			log.Printf("chatd: CHZZK_COOKIES: %v", err)
		} else {
			inline = parsed
		}
	}
	var loader harvester.CookieLoader
	if cfg.Chzzk.CookiesFile != "" {
		loader = credentials.NewFileLoader(cfg.Chzzk.CookiesFile)
	}
	har := harvester.New(loader, inline, nil)
	creds := har.Credentials()
	if missing := credentials.Missing(creds); len(missing) > 0 {
		log.Printf("chatd: cookies missing %s; chat will be read-only if upstream accepts anonymous access", strings.Join(missing, ","))
	}

	var (
		sinkDB   *sink.SQLiteSink
		api      *httpapi.Server
		writer   sink.Writer
		buffered *sink.BufferedWriter
	)

	if cfg.HasSink("sqlite") {
		db, err := sink.OpenSQLite(cfg.Sink.SQLite.Path, sink.SQLiteOptions{Tuning: cfg.Sink.SQLite.Tuning})
		if err != nil {
			log.Fatalf("chatd: open sqlite: %v", err)
		}
		sinkDB = db
		if err := sinkDB.Ping(); err != nil {
			log.Fatalf("chatd: ping sqlite: %v", err)
		}
		if err := migrateSQLite(ctx, sinkDB.RawDB()); err != nil {
			log.Fatalf("chatd: sqlite migrate: %v", err)
		}
		writer = sinkDB
		defer func() {
			if err := sinkDB.Close(); err != nil {
				log.Printf("chatd: closing sink: %v", err)
			}
		}()
	} else {
		log.Printf("chatd: sqlite sink disabled (configured sinks=%v)", cfg.Sinks)
	}

	images, err := imagecache.New(cfg.Images.CacheDir, imagecache.Options{
		Timeout:    cfg.ImageFetchTimeout(),
		Workers:    cfg.Images.Workers,
		Registerer: registry,
	})
	if err != nil {
		log.Fatalf("chatd: image cache: %v", err)
	}

	client := chzzkapi.NewClient(nil)
	client.APIBaseURL = cfg.Chzzk.APIBaseURL
	client.GameBaseURL = cfg.Chzzk.GameAPIBaseURL

	session := chzzkchat.New(client, chzzkchat.Options{
		ChatURL:         cfg.Chzzk.ChatURL,
		EventBuffer:     cfg.Chzzk.EventBuffer,
		DeliveryTimeout: cfg.DeliveryTimeout(),
		Metrics:         chzzkchat.NewMetrics(registry),
		VerboseDrops:    cfg.Chzzk.VerboseDrops,
	})
	har.SetChatConn(session)

	if cfg.HTTP.Addr != "" {
		var corsOrigins []string
		for _, origin := range strings.Split(httpCorsOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				corsOrigins = append(corsOrigins, origin)
			}
		}

		var store httpapi.Store
		if sinkDB != nil {
			store = sinkDB
		}
		api = httpapi.New(store, httpapi.Options{
			Addr:           cfg.HTTP.Addr,
			Build:          httpapi.BuildInfo{Version: version.Version, Revision: version.Commit, BuiltAt: version.BuiltAt()},
			ConfigSnapshot: cfg.Redacted(),
			Session:        session,
			Images:         images,
			Registry:       registry,
			CORSOrigins:    corsOrigins,
			RateLimitRPS:   httpRateRPS,
			RateLimitBurst: httpRateBurst,
			TrustProxy:     httpTrustProxy,
			AccessLog:      httpAccessLog,
		})
		httpadmin.New(har).Register(api.Mux())
		go func() {
			if err := api.Start(); err != nil {
				log.Fatalf("chatd: http api: %v", err)
			}
		}()
		if sinkDB != nil {
			writer = sink.WithAPI(sinkDB, api)
		}
		log.Printf("chatd: http api ready on %s", cfg.HTTP.Addr)
	}

	if writer != nil && (cfg.Batch() > 1 || cfg.FlushInterval() > 0) {
		buffered = sink.NewBufferedWriter(writer, sink.BufferedOptions{
			BatchSize:     cfg.Batch(),
			FlushInterval: cfg.FlushInterval(),
		})
		writer = buffered
		defer func() {
			if err := buffered.Close(); err != nil {
				log.Printf("chatd: flush buffered sink: %v", err)
			}
		}()
	}

	prefetch := make(chan core.ChatEvent, prefetchQueue)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-prefetch:
				images.ResolveEvent(ctx, ev)
			}
		}
	}()

	exitCode := 0
	handlers := chzzkchat.Handlers{
		OnEvent: func(ev core.ChatEvent) {
			ev, trace := ingesttrace.Stamp(ev)
			trace.IncCounter(ingesttrace.StageNormalizedOK)

			select {
			case prefetch <- ev:
			default:
			}

			switch {
			case writer != nil:
				if err := writer.Write(ev, trace); err != nil {
					log.Printf("chatd: write event: %v", err)
					trace.IncCounter(ingesttrace.StageDropped("db_error"))
					if api != nil {
						api.ReportDBWriteError()
					}
				}
			case api != nil:
				api.Broadcast(ev)
			default:
				log.Printf("chatd: [%s] %s: %s", ev.Kind, ev.Nickname, ev.Message)
			}
			trace.LogTrace(nil, "chatd: event")
		},
		OnStatus: func(st core.Status) {
			if st.Err != nil {
				log.Printf("chatd: status=%s conn=%s %s: %v", st.Tag, st.ConnID, st.Text, st.Err)
			} else {
				log.Printf("chatd: status=%s conn=%s %s", st.Tag, st.ConnID, st.Text)
			}
			if api != nil {
				api.BroadcastStatus(st)
			}
			switch st.Tag {
			case core.StatusFailed, core.StatusReconnectFailed:
				// the session is idle now; let the supervisor restart us
				exitCode = 1
				cancel()
			}
		},
	}

	if err := session.Connect(ctx, cfg.Chzzk.Channel, creds, handlers); err != nil {
		log.Fatalf("chatd: connect: %v", err)
	}

	if err := har.WatchCookieFile(ctx); err != nil {
		slog.Error("chatd: watch cookie file", "err", err)
	}

	<-ctx.Done()

	session.Stop()
	select {
	case <-session.Done():
	case <-time.After(shutdownTimeout):
		log.Printf("chatd: session did not stop within %s", shutdownTimeout)
	}

	if api != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := api.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			log.Printf("chatd: http api shutdown: %v", err)
		}
		cancelShutdown()
	}

	log.Printf("chatd: shutdown complete")
	if exitCode != 0 {
		if buffered != nil {
			_ = buffered.Close()
		}
		if sinkDB != nil {
			_ = sinkDB.Close()
		}
		os.Exit(exitCode)
	}
}
