package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pacer/internal/app"
	"pacer/internal/config"
	"pacer/internal/task/scheduler"
	"pacer/internal/websession"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The session section is read once; changing it needs a restart.
	boot, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	session, timers, err := newSession(boot.Values)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	a, err := app.New(cfgPath, app.Deps[*websession.Session]{
		Session: session,
		Timers:  timers,
		Build: func(env app.Env[*websession.Session]) error {
			names := make([]string, 0, len(env.Config.Features))
			for name := range env.Config.Features {
				names = append(names, name)
			}
			return websession.Register(env.Registry, env.Config.Values, names, websession.TargetDeps{
				Session:   session,
				Selector:  env.Selector,
				Cooldowns: env.Cooldowns,
				Clock:     env.Clock,
				Locale:    env.Config.Agent.Locale,
				Log:       env.Log,
			})
		},
	})
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = a.StopReason()
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		fmt.Println("stop:", err)
	}
	if reason == app.StopFatalError {
		os.Exit(1)
	}
}

func newSession(values config.Values) (*websession.Session, scheduler.TimerSupplier, error) {
	const section = "session"
	base := values.String(section, "base_url", "")
	if base == "" {
		return nil, nil, fmt.Errorf("values.session.base_url is required")
	}
	opts := []websession.Option{}
	if tok := values.String(section, "token", ""); tok != "" {
		opts = append(opts, websession.WithHeader(values.String(section, "token_header", "Authorization"), tok))
	}
	s, err := websession.New(base, opts...)
	if err != nil {
		return nil, nil, err
	}
	var timers scheduler.TimerSupplier
	if path := values.String(section, "timers", ""); path != "" {
		timers = scheduler.TimerSupplierFunc(websession.TimersFrom(s, path))
	}
	return s, timers, nil
}
