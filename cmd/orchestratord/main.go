package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/yungbote/neurobridge-backend/internal/app"
	"github.com/yungbote/neurobridge-backend/internal/metrics"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("Failed to initialize orchestratord: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	a.Start()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(a.Cfg.MetricsAddr, mux); err != nil {
			a.Log.Warn("metrics server stopped", "error", err)
		}
	}()

	a.Log.Info("orchestratord listening", "addr", a.Cfg.HTTPAddr, "metrics_addr", a.Cfg.MetricsAddr)
	if err := a.Run(a.Cfg.HTTPAddr); err != nil {
		a.Log.Error("server failed", "error", err)
		os.Exit(1)
	}
}
