// Package main is the standalone band calibration CLI.
//
// It runs one calibration pass and exits: a single route with -route,
// or a sweep over every route otherwise. -force bypasses the cadence
// gate, so a route calibrated yesterday still recalibrates; the
// minimum-sample gate always holds. The weekly cron in the server
// process runs the same sweep, this CLI exists for operators who need
// one now.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/routespark/routespark/internal/config"
	"github.com/routespark/routespark/internal/di"
	"github.com/routespark/routespark/pkg/logger"
)

func main() {
	route := flag.String("route", "", "calibrate a single route number (default: all routes)")
	force := flag.Bool("force", false, "bypass the minimum days between calibration runs")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})

	container, _, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.CloseDatabases()

	if *route != "" {
		if err := container.Calibrator.CalibrateRouteIfDue(*route, *force); err != nil {
			log.Fatal().Err(err).Str("route", *route).Msg("Calibration failed")
		}
		log.Info().Str("route", *route).Msg("Calibration finished")
		return
	}

	routes, err := container.ScheduleService.ListRoutes(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list routes")
	}

	failed := 0
	for i := range routes {
		number := routes[i].Number
		if err := container.Calibrator.CalibrateRouteIfDue(number, *force); err != nil {
			log.Error().Err(err).Str("route", number).Msg("Calibration failed")
			failed++
		}
	}

	log.Info().Int("routes", len(routes)).Int("failed", failed).Msg("Calibration sweep finished")
	if failed > 0 {
		os.Exit(1)
	}
}
