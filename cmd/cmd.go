// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package cmd wires configuration into the running gateway.
package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/multi"
	"github.com/apex/log/handlers/text"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	redis "gopkg.in/redis.v5"

	"github.com/orbitfleet/gateway/api"
	"github.com/orbitfleet/gateway/auth"
	"github.com/orbitfleet/gateway/broker"
	"github.com/orbitfleet/gateway/broker/amqp"
	"github.com/orbitfleet/gateway/broker/mqtt"
	"github.com/orbitfleet/gateway/middleware/deduplicate"
	"github.com/orbitfleet/gateway/registry"
	"github.com/orbitfleet/gateway/router"
	"github.com/orbitfleet/gateway/storage/memory"
	"github.com/orbitfleet/gateway/storage/postgres"
	"github.com/orbitfleet/gateway/tracker"
)

// GatewayCmd is the main command that is executed when running gateway
var GatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "The Orbitfleet device gateway",
	Long:  `gateway routes commands and telemetry between operators and their devices`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logHandlers []log.Handler

		logHandlers = append(logHandlers, text.New(os.Stdout))

		if logFileLocation := config.GetString("log-file"); logFileLocation != "" {
			absLogFileLocation, err := filepath.Abs(logFileLocation)
			if err != nil {
				panic(err)
			}
			logFile, err = os.OpenFile(absLogFileLocation, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
			if err != nil {
				panic(err)
			}
			if err == nil {
				logHandlers = append(logHandlers, json.New(logFile))
			}
		}

		level := log.InfoLevel
		if config.GetBool("debug") {
			level = log.DebugLevel
		}
		ctx = &log.Logger{
			Level:   level,
			Handler: multi.New(logHandlers...),
		}
	},
	Run: runGateway,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			time.Sleep(100 * time.Millisecond)
			logFile.Close()
		}
	},
}

// gatewayStore is the combined storage consumed by the registry and the
// command router
type gatewayStore interface {
	registry.Store
	router.CommandStore
}

var brokerRegexp = regexp.MustCompile(`^(?:([0-9a-z_-]+)(?::([0-9A-Za-z-!"#$%&'()*+,.:;<=>?@[\]^_{|}~]+))?@)?([0-9a-z.-]+:[0-9]+)$`)

func runGateway(cmd *cobra.Command, args []string) {
	// Set up storage
	var store gatewayStore
	if databaseURL := config.GetString("database"); databaseURL != "" {
		ctx.Info("Initializing PostgreSQL storage")
		pg, err := postgres.Open(databaseURL, config.GetInt("database-pool"))
		if err != nil {
			ctx.WithError(err).Fatal("Could not open database")
		}
		defer pg.Close()
		store = pg
	} else {
		ctx.Warn("Initializing in-memory storage; state is lost on restart")
		store = memory.NewStore()
	}

	reg := registry.New(store, ctx)
	trk := tracker.New(reg, config.GetDuration("heartbeat-timeout"), ctx)
	trk.Use(deduplicate.NewDeduplicate())
	rtr := router.New(reg, store, config.GetDuration("command-expiry"), ctx)
	trk.SetAckHandler(rtr)

	// Set up the MQTT backends (from comma-separated list of user:pass@host:port)
	var backends []broker.Backend
	for _, mqttBroker := range strings.Split(config.GetString("mqtt"), ",") {
		if mqttBroker == "disable" || mqttBroker == "" {
			continue
		}
		parts := brokerRegexp.FindStringSubmatch(mqttBroker)
		if parts == nil {
			ctx.Fatalf("Could not parse MQTT broker %s", mqttBroker)
		}
		ctx.WithField("Username", parts[1]).WithField("Address", parts[3]).Info("Initializing MQTT")
		backend, err := mqtt.New(mqtt.Config{
			Brokers:   []string{"tcp://" + parts[3]},
			Username:  parts[1],
			Password:  parts[2],
			QueueSize: config.GetInt("queue-size"),
		}, ctx)
		if err != nil {
			ctx.WithError(err).Fatalf("Could not initialize MQTT broker %s", mqttBroker)
		}
		backends = append(backends, backend)
	}

	// Set up the AMQP backends (from comma-separated list of user:pass@host:port)
	for _, amqpBroker := range strings.Split(config.GetString("amqp"), ",") {
		if amqpBroker == "disable" || amqpBroker == "" {
			continue
		}
		parts := brokerRegexp.FindStringSubmatch(amqpBroker)
		if parts == nil {
			ctx.Fatalf("Could not parse AMQP broker %s", amqpBroker)
		}
		ctx.WithField("Username", parts[1]).WithField("Address", parts[3]).Info("Initializing AMQP")
		backend, err := amqp.New(amqp.Config{
			Address:   parts[3],
			Username:  parts[1],
			Password:  parts[2],
			QueueSize: config.GetInt("queue-size"),
		}, ctx)
		if err != nil {
			ctx.WithError(err).Fatalf("Could not initialize AMQP broker %s", amqpBroker)
		}
		backends = append(backends, backend)
	}
	if len(backends) == 0 {
		ctx.Warn("No broker backends configured")
	}
	trk.AddBackend(backends...)
	rtr.AddBackend(backends...)

	// Set up the OAuth state store
	var states auth.StateStore
	if config.GetBool("redis") {
		ctx.Info("Initializing Redis state backend")
		states = auth.NewRedis(redis.NewClient(&redis.Options{
			Addr:     config.GetString("redis-address"),
			Password: config.GetString("redis-password"),
			DB:       config.GetInt("redis-db"),
		}), "")
	} else {
		ctx.Info("Initializing Memory state backend")
		states = auth.NewMemory()
	}

	jwtSecret := config.GetString("jwt-secret")
	if jwtSecret == "" {
		ctx.Fatal("A JWT secret is required")
	}
	baseURL := strings.TrimSuffix(config.GetString("oauth-base-url"), "/")
	exchanger := auth.NewGoogle(
		config.GetString("oauth-client-id"),
		config.GetString("oauth-client-secret"),
		baseURL+"/auth/callback",
	)

	server := api.New(api.Config{
		Registry:  reg,
		Tracker:   trk,
		Router:    rtr,
		Tokens:    auth.NewTokens([]byte(jwtSecret), config.GetDuration("token-lifetime")),
		Exchanger: exchanger,
		States:    states,
		AccessLog: os.Stdout,
	}, ctx)

	trk.Start()
	rtr.Start()
	defer func() {
		rtr.Stop()
		trk.Stop()
		time.Sleep(100 * time.Millisecond)
	}()

	listen := config.GetString("listen")
	httpServer := &http.Server{Addr: listen, Handler: server.Handler()}
	go func() {
		ctx.WithField("Address", listen).Info("Listening for HTTP")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ctx.WithError(err).Fatal("Could not serve HTTP")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	ctx.WithField("signal", <-sigChan).Info("signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		ctx.WithError(err).Warn("Could not gracefully shut down HTTP server")
	}
}

func init() {
	GatewayCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Location of the config file")
	GatewayCmd.Flags().String("log-file", "", "Location of the log file")

	GatewayCmd.Flags().String("listen", ":8080", "Address for the HTTP API")

	GatewayCmd.Flags().String("database", "", "PostgreSQL connection URL (in-memory storage when empty)")
	GatewayCmd.Flags().Int("database-pool", 10, "Maximum number of open database connections")

	GatewayCmd.Flags().Bool("redis", true, "Use Redis OAuth state backend")
	GatewayCmd.Flags().String("redis-address", "localhost:6379", "Redis host and port")
	GatewayCmd.Flags().String("redis-password", "", "Redis password")
	GatewayCmd.Flags().Int("redis-db", 0, "Redis database")

	GatewayCmd.Flags().String("oauth-client-id", "", "Google OAuth client ID")
	GatewayCmd.Flags().String("oauth-client-secret", "", "Google OAuth client secret")
	GatewayCmd.Flags().String("oauth-base-url", "http://localhost:8080", "External base URL of this gateway")
	GatewayCmd.Flags().String("jwt-secret", "", "Secret for signing bearer tokens")
	GatewayCmd.Flags().Duration("token-lifetime", auth.DefaultTokenLifetime, "Bearer token lifetime")

	GatewayCmd.Flags().StringSlice("mqtt", []string{"guest:guest@localhost:1883"}, "MQTT Broker to connect to (disable with \"disable\")")
	GatewayCmd.Flags().StringSlice("amqp", []string{"disable"}, "AMQP Broker to connect to (disable with \"disable\")")
	GatewayCmd.Flags().Int("queue-size", broker.DefaultQueueSize, "Commands to queue per backend while disconnected")

	GatewayCmd.Flags().Duration("heartbeat-timeout", tracker.DefaultHeartbeatTimeout, "Silence after which a device is marked offline")
	GatewayCmd.Flags().Duration("command-expiry", router.DefaultExpiry, "Window for a device to acknowledge a command")

	viper.BindPFlags(GatewayCmd.Flags())
}
