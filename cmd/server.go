/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/JacobsCounsel/jcllc-backend-sub001/api"
	"github.com/JacobsCounsel/jcllc-backend-sub001/config"
	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/notification"
	trace "github.com/JacobsCounsel/jcllc-backend-sub001/internal/traces"
)

// newServer builds the HTTP server. With SSL enabled, certificates for the
// configured domain are obtained and renewed by CertMagic.
func newServer(ctx context.Context, r *gin.Engine, conf config.ServerConfig) (*http.Server, error) {
	server := &http.Server{
		Addr:    ":" + conf.Port,
		Handler: r,
	}
	if !conf.SSL {
		return server, nil
	}

	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()
	cfg.Storage = &certmagic.FileStorage{Path: "certmagic"}

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		logrus.Warn("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}
	if err := cfg.ManageSync(ctx, domains); err != nil {
		return nil, err
	}
	server.TLSConfig = cfg.TLSConfig()
	return server, nil
}

func initializeObservability(ctx context.Context, cfg *config.Configuration, service string) (func(context.Context) error, error) {
	if !cfg.EnableTelemetry {
		return func(context.Context) error { return nil }, nil
	}
	shutdown, err := trace.SetupOTelSDK(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("error setting up OTel SDK: %v", err)
	}
	return shutdown, nil
}

func listen(server *http.Server) error {
	var err error
	if server.TLSConfig != nil {
		logrus.Infof("Starting HTTPS server on %s", server.Addr)
		err = server.ListenAndServeTLS("", "")
	} else {
		logrus.Infof("Starting server on http://localhost%s", server.Addr)
		err = server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// serverCommands returns the start command: the control API and the
// scheduler loop run in the same process until SIGINT or SIGTERM.
func serverCommands(app *nurtureInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start nurture server and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := initializeObservability(ctx, app.cnf, "nurture")
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					logrus.Errorf("Error during tracing shutdown: %v", err)
				}
			}()
			defer notification.FlushSentry(2 * time.Second)

			engine, err := app.setupEngine(ctx)
			if err != nil {
				notification.NotifyError(err)
				return err
			}

			server, err := newServer(ctx, api.NewAPI(engine).Router(), app.cnf.Server)
			if err != nil {
				return err
			}

			// Detached from the signal context so Stop can drain within the grace period.
			engine.Start(context.Background())

			errCh := make(chan error, 1)
			go func() { errCh <- listen(server) }()

			select {
			case err = <-errCh:
			case <-ctx.Done():
				logrus.Info("shutting down")
			}

			grace := app.cnf.Automation.ShutdownGrace()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
			defer cancel()
			if serr := server.Shutdown(shutdownCtx); serr != nil {
				logrus.Errorf("Error shutting down server: %v", serr)
			}
			engine.Stop()
			return err
		},
	}

	return cmd
}
