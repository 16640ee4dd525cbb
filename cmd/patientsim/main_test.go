package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/smartystreets/goconvey/convey"

	app "github.com/okian/patientsim/internal/app"
	"github.com/okian/patientsim/internal/config"
)

func TestMainWiring(t *testing.T) {
	convey.Convey("Given the main application", t, func() {
		convey.Convey("When configuration comes from the environment", func() {
			_ = os.Setenv("PATIENTSIM_ADDR", ":8181")
			_ = os.Setenv("PATIENTSIM_REPORT_WORKERS", "3")
			defer func() {
				_ = os.Unsetenv("PATIENTSIM_ADDR")
				_ = os.Unsetenv("PATIENTSIM_REPORT_WORKERS")
			}()

			cfg, err := config.Load(context.Background())
			convey.So(err, convey.ShouldBeNil)
			convey.So(cfg.Addr, convey.ShouldEqual, ":8181")
			convey.So(cfg.ReportWorkers, convey.ShouldEqual, 3)
		})

		convey.Convey("When the service is not started", func() {
			_, err := newHTTPServer(config.New(), app.New(nil))
			convey.So(err, convey.ShouldEqual, app.ErrNotStarted)
		})

		convey.Convey("When the HTTP server is built from a started service", func() {
			ctx := context.Background()
			cfg := config.New()
			svc := app.New(cfg)
			convey.So(svc.Start(ctx), convey.ShouldBeNil)
			defer func() { _ = svc.Stop(ctx) }()

			srv, err := newHTTPServer(cfg, svc)
			convey.So(err, convey.ShouldBeNil)
			convey.So(srv.Addr, convey.ShouldEqual, cfg.Addr)
			convey.So(srv.WriteTimeout, convey.ShouldEqual, writeTimeout)

			for _, path := range []string{"/healthz", "/cases", "/stats", "/openapi.yaml"} {
				w := httptest.NewRecorder()
				srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, http.NoBody))
				convey.So(w.Code, convey.ShouldEqual, http.StatusOK)
			}
		})

		convey.Convey("When system metrics are refreshed", func() {
			convey.So(updateSystemMetrics, convey.ShouldNotPanic)
		})
	})
}
