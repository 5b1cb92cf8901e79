package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	offlineagent "github.com/snt-tools/offline-agent"
	"github.com/snt-tools/offline-agent/cache"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// environment holds process settings that can come from the environment.
// Flags override these.
type environment struct {
	Port       int    `env:"PORT" envDefault:"8080"`
	DBFilename string `env:"CACHE_DB" envDefault:"cache.db"`
	ConfigFile string `env:"AGENT_CONFIG" envDefault:"agent.yml"`
}

var (
	// CLI flags
	portFlag           int
	configFilenameFlag string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides PORT)")
	flag.StringVar(&configFilenameFlag, "config", "", "Path to agent config file (overrides AGENT_CONFIG)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name, 'memory' for in-memory db (overrides CACHE_DB)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	var envConfig environment
	if err := env.Parse(&envConfig); err != nil {
		log.Fatal().Err(err).Msg("Cannot parse environment")
	}
	if portFlag != 0 {
		envConfig.Port = portFlag
	}
	if configFilenameFlag != "" {
		envConfig.ConfigFile = configFilenameFlag
	}
	if dbFilenameFlag != "" {
		envConfig.DBFilename = dbFilenameFlag
	}

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

	agentConfig, err := offlineagent.GetAgentConfig(envConfig.ConfigFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", envConfig.ConfigFile).Msg("Cannot read agent config")
	}
	baseURL, err := agentConfig.ParseBaseURL()
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot parse base URL")
	}

	dbFilename := envConfig.DBFilename
	if dbFilename == "memory" {
		dbFilename = ""
	}

	agent := offlineagent.New(offlineagent.Config{
		Cache:          cache.NewSQLiteCache(dbFilename),
		Generation:     agentConfig.Generation,
		BaseURL:        baseURL,
		Precache:       agentConfig.Precache,
		OfflinePage:    agentConfig.OfflinePage,
		AllowedOrigins: agentConfig.AllowedOrigins,
		BypassDomains:  agentConfig.BypassDomains,
		Logger:         &log.Logger,
	})

	registry := offlineagent.NewRegistry(&log.Logger)
	if err := registry.Update(context.Background(), agent); err != nil {
		log.Fatal().Err(err).Msg("Cannot install agent")
	}

	router := chi.NewRouter()
	router.Mount("/agent", registry.ControlHandler())
	router.Handle("/*", registry)

	log.Info().
		Int("port", envConfig.Port).
		Str("generation", agentConfig.Generation).
		Str("origin", agentConfig.BaseURL).
		Msg("Serving offline agent")
	if err := http.ListenAndServe(fmt.Sprintf(":%d", envConfig.Port), router); err != nil {
		panic(err)
	}
}
