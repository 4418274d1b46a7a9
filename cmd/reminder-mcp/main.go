// Command reminder-mcp serves the reminder tools over MCP stdio.
//
// It runs the full daemon in-process (timers, sweeper, delivery) with the
// HTTP API off and every log line on stderr, since stdout carries the
// protocol.
//
// Usage:
//
//	reminder-mcp -config ./reminderd.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"reminderd/internal/api/mcptools"
	"reminderd/internal/app"
	logx "reminderd/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./reminderd.yaml", "path to config file (yaml or json)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: .env:", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath, app.WithStderrLogs(), app.WithoutHTTP())
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}
	log := a.Logger().With(logx.String("comp", "mcp"))

	tools := mcptools.New(a.Config().MCP.Name, a.Service(), log)
	stdio := server.NewStdioServer(tools.MCPServer())

	serveErr := make(chan error, 1)
	go func() { serveErr <- stdio.Listen(ctx, os.Stdin, os.Stdout) }()

	reason := app.StopSIGTERM
	exit := 0
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		// stdin closed by the client is a normal end of session
		reason = app.StopAppStop
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("mcp stdio failed", logx.Err(err))
			exit = 1
		}
	case <-a.Done():
		reason = app.StopFatalError
		log.Error("app stopped unexpectedly", logx.Err(a.Err()))
		exit = 1
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if exit != 0 {
		os.Exit(exit)
	}
}
