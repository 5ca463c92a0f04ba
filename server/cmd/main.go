// Package cmd wires the remoting server process: backing store, PAID
// registry, multiplexer, websocket listener and the admin server.
package cmd

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cdl-lang/remoting/pkg/admin"
	"github.com/cdl-lang/remoting/pkg/flags"
	"github.com/cdl-lang/remoting/pkg/store"
	"github.com/cdl-lang/remoting/pkg/ticker"
	"github.com/cdl-lang/remoting/server"
)

// Main executes the server subcommand
func Main(args []string) {
	cmd := flag.NewFlagSet("server", flag.ExitOnError)

	addr := cmd.String("addr", ":8086", "address to serve on")
	metricsAddr := cmd.String("metrics-addr", ":9996", "address to serve scrapable metrics on")
	dataPath := cmd.String("data", "", "path of the persistent store file; empty keeps state in memory")
	local := cmd.Bool("local", false,
		"Run in local mode: skip authentication and bind only to loopback")
	enablePprof := cmd.Bool("enable-pprof", false, "Enable pprof endpoints on the admin server")

	flags.ConfigureAndParse(cmd, args)

	var st store.Store
	if *dataPath != "" {
		fileStore, err := store.OpenFileStore(*dataPath)
		if err != nil {
			log.Fatalf("Failed to open store %s: %s", *dataPath, err)
		}
		st = fileStore
		log.Infof("Using store file %s", *dataPath)
	} else {
		st = store.NewMemStore()
		log.Warn("No -data given; state will not survive a restart")
	}

	srv, err := server.New(st, ticker.Wall(), server.Options{}, log.NewEntry(log.StandardLogger()))
	if err != nil {
		log.Fatalf("Failed to build server: %s", err)
	}

	ready := false
	adminServer := admin.NewServer(*metricsAddr, *enablePprof, &ready)

	go func() {
		log.Infof("starting admin server on %s", *metricsAddr)
		if err := adminServer.ListenAndServe(); err != nil {
			if errors.Is(err, http.ErrServerClosed) {
				log.Infof("Admin server closed (%s)", *metricsAddr)
			} else {
				log.Errorf("Admin server error (%s): %s", *metricsAddr, err)
			}
		}
	}()

	listener := server.NewListener(srv, *addr, *local, log.NewEntry(log.StandardLogger()))
	httpServer, err := listener.NewHTTPServer()
	if err != nil {
		log.Fatalf("Failed to configure listener: %s", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Infof("starting remoting server on %s", httpServer.Addr)
		ready = true
		if err := httpServer.ListenAndServe(); err != nil {
			if errors.Is(err, http.ErrServerClosed) {
				log.Infof("Remoting server closed (%s)", httpServer.Addr)
			} else {
				log.Fatalf("Remoting server error (%s): %s", httpServer.Addr, err)
			}
		}
	}()

	<-stop
	log.Info("shutting down")
	srv.Shutdown("server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Errorf("Remoting server shutdown: %s", err)
	}
	if err := adminServer.Shutdown(ctx); err != nil {
		log.Errorf("Admin server shutdown: %s", err)
	}
}
