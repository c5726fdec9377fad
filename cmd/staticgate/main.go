package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	staticgate "github.com/staticgate/staticgate"
	"github.com/staticgate/staticgate/store"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	backendFlag        string
	backendHostFlag    string
	cacheRootFlag      string
	storeFlag          string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to rule table config file")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&backendFlag, "backend", "", "Backend URL to forward to (overrides config)")
	flag.StringVar(&backendHostFlag, "backend-host", "", "Hostname of backend (overrides config)")
	flag.StringVar(&cacheRootFlag, "cache-root", "", "Artifact cache directory (overrides config)")
	flag.StringVar(&storeFlag, "store", "fs", "Artifact store to use: fs, sqlite or memory")
	flag.StringVar(&dbFilenameFlag, "db", "artifacts.db", "Artifact DB file name for the sqlite store")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	if configFilenameFlag == "" {
		log.Fatal().Msg("Please specify a config file")
	}
	config, err := staticgate.LoadConfig(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}

	// flags override the config file
	if portFlag != 0 {
		config.Port = portFlag
	}
	if backendFlag != "" {
		config.Backend = backendFlag
	}
	if backendHostFlag != "" {
		config.BackendHost = backendHostFlag
	}
	if cacheRootFlag != "" {
		config.CacheRoot = cacheRootFlag
	}
	if config.Port == 0 {
		config.Port = 8080
	}
	if config.Backend == "" {
		log.Fatal().Msg("Please specify a backend")
	}

	// a table that does not compile must never serve
	table, err := config.Table()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid rule table")
	}

	var artifacts store.ArtifactStore
	switch storeFlag {
	case "fs":
		if config.CacheRoot == "" {
			log.Fatal().Msg("Please specify a cache root for the fs store")
		}
		artifacts = store.NewFSStore(config.CacheRoot)
	case "sqlite":
		sqliteStore, err := store.NewSQLiteStore(dbFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open artifact db")
		}
		artifacts = sqliteStore
	case "memory":
		artifacts = store.NewMemStore()
	default:
		log.Fatal().Msgf("Unsupported artifact store: %s", storeFlag)
	}

	backendURL, err := url.Parse(config.Backend)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse backend url")
	}

	gateway := staticgate.CreateGateway(staticgate.Options{
		Table:       table,
		Store:       artifacts,
		BackendURL:  *backendURL,
		BackendHost: config.BackendHost,
		Index:       config.Index,
		Logger:      &log.Logger,
	})

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/*", gateway)

	log.Info().Msgf("Gating port %v to %s (with hostname '%s')", config.Port, config.Backend, config.BackendHost)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", config.Port), r); err != nil {
		panic(err)
	}
}
