package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/banshee-data/flashsync/internal/api"
	"github.com/banshee-data/flashsync/internal/config"
	"github.com/banshee-data/flashsync/internal/delay"
	"github.com/banshee-data/flashsync/internal/health"
	"github.com/banshee-data/flashsync/internal/latency"
	"github.com/banshee-data/flashsync/internal/store"
	"github.com/banshee-data/flashsync/internal/syncctl"
	"github.com/banshee-data/flashsync/internal/version"
)

var (
	configPath    = flag.String("config", config.DefaultConfigPath, "Path to the JSON configuration file")
	listen        = flag.String("listen", ":8080", "HTTP listen address")
	grpcListen    = flag.String("grpc-listen", ":50051", "gRPC health listen address (empty to disable)")
	dbPath        = flag.String("db", "flashsync.db", "Path to the SQLite session database")
	devMode       = flag.Bool("dev", false, "Run against a simulated light controller and camera")
	serialPort    = flag.String("serial", "", "Talk to the controller over this serial port instead of UDP")
	baudRate      = flag.Int("baud", 115200, "Serial baud rate")
	firmwareBlink = flag.Bool("firmware-blink", false, "In edge mode, let the controller blink on its own (START/STOP)")
	showVersion   = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg, err := config.LoadSyncConfig(*configPath)
	var disabled string
	if err != nil {
		log.Printf("Invalid configuration, controller disabled: %v", err)
		disabled = err.Error()
		cfg = config.EmptySyncConfig()
	}

	db, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	timing := delay.NewTiming(delay.DefaultBaseline, cfg.GetSafetyMargin())
	params := syncctl.NewTunables(syncctl.Params{
		ExposureMargin:    cfg.GetExposureMargin(),
		AckTimeout:        cfg.GetAckTimeout(),
		PhaseCompensation: cfg.GetPhaseCompensation(),
		Threshold:         cfg.GetThreshold(),
	})

	apiCfg := api.Config{
		Address:   *listen,
		Mode:      cfg.GetMode(),
		Timing:    timing,
		Params:    params,
		BatchSize: cfg.GetProbeBatchSize(),
		AdminRoutes: []func(*http.ServeMux){
			func(mux *http.ServeMux) {
				if err := db.AttachAdminRoutes(mux); err != nil {
					log.Printf("failed to attach database admin routes: %v", err)
				}
			},
		},
	}
	healthCfg := health.Config{ListenAddr: *grpcListen}

	var ctrl *controller
	if disabled == "" {
		ctrl, err = newController(ctx, controllerOptions{
			cfg:           cfg,
			timing:        timing,
			params:        params,
			db:            db,
			dev:           *devMode,
			serialPort:    *serialPort,
			baudRate:      *baudRate,
			firmwareBlink: *firmwareBlink,
		})
		if err != nil {
			log.Printf("Controller disabled: %v", err)
			disabled = err.Error()
		}
	}

	if ctrl != nil {
		apiCfg.Endpoint = ctrl.channel.Endpoint()
		apiCfg.Controller = ctrl.runner
		apiCfg.Estimator = ctrl.estimator
		apiCfg.Channel = ctrl.channel
		apiCfg.Buffer = ctrl.runner.Buffer()
		apiCfg.Ingest = ctrl.ingest
		apiCfg.AdminRoutes = append(apiCfg.AdminRoutes, ctrl.adminRoutes...)
		healthCfg.Controller = ctrl.runner
	}
	apiCfg.DisabledReason = disabled

	// Create a wait group for the controller, HTTP server and health routines
	var wg sync.WaitGroup

	if ctrl != nil {
		ctrl.start(ctx, &wg)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := api.NewServer(apiCfg).Start(ctx); err != nil {
			log.Printf("HTTP server failed: %v", err)
			stop()
		}
	}()

	if *grpcListen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := health.New(healthCfg).Run(ctx); err != nil {
				log.Printf("gRPC health server failed: %v", err)
			}
		}()
	}

	log.Printf("%s started (mode=%s)", version.String(), cfg.GetMode())
	wg.Wait()
	if ctrl != nil {
		ctrl.close()
	}
	log.Printf("Graceful shutdown complete")
}

// logCalibration reports the outcome of the startup batch.
func logCalibration(res latency.Result, err error) {
	if err != nil {
		log.Printf("Startup calibration: %v (total wait %v)", err, res.Timing.Total)
		return
	}
	log.Printf("Startup calibration: baseline %v, total wait %v", res.Baseline, res.Timing.Total)
}
