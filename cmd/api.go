package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/catalystcommunity/app-utils-go/errorutils"
	"github.com/catalystcommunity/app-utils-go/logging"

	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/authoracle"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/config"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/jobmgr"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/kvstore"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/metrics"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/reqhandler"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/resourcemgr"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/scheduler"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/sessionmgr"
)

var Server *http.ServeMux

// Serve wires the KV Store Gateway, the Session/Resource/Job Managers, the
// Scheduler, and the Request Handler together and runs the coordinator's
// HTTP server (websocket upgrade + Prometheus scrape endpoint).
func Serve() error {
	config.ConfigureLogging()
	ctx := context.Background()

	gw, err := kvstore.Connect(ctx, kvstore.ConnectOptions{
		Host:     config.KVStoreHost,
		Port:     config.KVStorePort,
		Password: kvstore.SecretFileOrEnv(config.KVStorePasswordFile, config.KVStorePasswordEnv),
		DB:       config.KVStoreDB,
	})
	if err != nil {
		return fmt.Errorf("connecting to KV store: %w", err)
	}
	defer gw.Close()

	keys := kvstore.NewKeyNamer(config.KVStoreKeyPrefix, ":")
	sessions := sessionmgr.New(gw, keys)
	resources := resourcemgr.New(gw, keys)
	jobs := jobmgr.New(gw, keys, resources)

	catalog, err := config.LoadModelCatalog(config.ModelCatalogPath)
	if err != nil {
		return fmt.Errorf("loading model catalog: %w", err)
	}
	sched, err := scheduler.New(catalog, config.SwarmNetworkName)
	if err != nil {
		return fmt.Errorf("initializing scheduler: %w", err)
	}

	monitor := scheduler.NewMonitor(sched, jobs, 5*time.Second, config.MaxTaskRestarts)
	monitor.Start(ctx)
	defer monitor.Stop()

	selfHealth := scheduler.NewSelfHealthMonitor(resources, config.SelfNodeID,
		time.Duration(config.SelfHealthInterval)*time.Second,
		config.SelfHealthCPUThreshold, config.SelfHealthMemThreshold)
	selfHealth.Start(ctx)
	defer selfHealth.Stop()

	auth := authoracle.New(config.AuthOracleURL)
	reqServer := reqhandler.NewServer(sessions, jobs, sched, auth)
	defer reqServer.Shutdown()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", reqServer.HandleWebSocket)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	Server = mux

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	}).Handler(mux)

	logging.Log.Infof("Starting coordinator API on port %d", config.Port)
	httpErr := http.ListenAndServe(fmt.Sprintf(":%d", config.Port), handler)

	// ListenAndServe always eventually errors out, so we log it and return it
	errorutils.LogOnErr(nil, "ListenAndServe exited with: ", httpErr)
	return httpErr
}
