package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/talkincode/wahub/config"
	"github.com/talkincode/wahub/internal/adminapi"
	"github.com/talkincode/wahub/internal/app"
	"github.com/talkincode/wahub/internal/webserver"
	"github.com/talkincode/wahub/internal/whatsapp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

var (
	h        = flag.Bool("h", false, "help usage")
	showVer  = flag.Bool("v", false, "show version")
	conffile = flag.String("c", "", "config yaml file")
	initdb   = flag.Bool("initdb", false, "run database migrations and exit")
)

func main() {
	flag.Parse()

	if *h {
		flag.Usage()
		return
	}
	if *showVer {
		fmt.Println(version)
		return
	}

	cfg, err := config.LoadConfig(*conffile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	application := app.NewApplication(cfg)
	if err := application.Init(cfg); err != nil {
		zap.L().Fatal("application init failed", zap.Error(err))
	}
	defer application.Release()

	if *initdb {
		if err := application.MigrateDB(true); err != nil {
			zap.L().Error("database migration failed", zap.Error(err))
		}
		return
	}

	if err := run(application); err != nil {
		zap.L().Error("wahub exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(application *app.Application) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := whatsapp.New(application)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	srv := webserver.Init(application)
	adminapi.Init()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		zap.L().Info("wahub: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if serr := svc.Stop(shutdownCtx); serr != nil && err == nil {
			err = serr
		}
		return err
	})
	zap.L().Info("wahub: started", zap.String("version", version))
	return g.Wait()
}
