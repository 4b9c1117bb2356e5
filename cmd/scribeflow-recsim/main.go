package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/fathomlabs/scribeflow/internal/recsim"
)

func main() {
	var (
		addr       string
		confidence float64
		latencyMS  int64
		finalEvery int
	)

	flag.StringVar(&addr, "addr", ":9400", "Listen address")
	flag.Float64Var(&confidence, "confidence", 0.92, "Confidence stamped on synthetic results")
	flag.Int64Var(&latencyMS, "latency-ms", 120, "Latency stamped on synthetic results")
	flag.IntVar(&finalEvery, "final-every", 4, "Emit a final result every Nth chunk (0 = all final)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	server := recsim.NewServer(recsim.Options{
		Confidence: confidence,
		LatencyMS:  latencyMS,
		FinalEvery: finalEvery,
	}, logger)

	mux := http.NewServeMux()
	mux.Handle("/v1/stream", server.Handler())

	logger.Info("recognizer simulator listening", slog.String("addr", addr))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := httpServer.ListenAndServe(); err != nil {
		logger.Error("server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
