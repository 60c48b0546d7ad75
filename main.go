package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatrelay/config"
	"chatrelay/db"
	"chatrelay/logger"
	"chatrelay/metrics"
	"chatrelay/server"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		bootLog := logger.Init(logger.Options{})
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.Init(logger.Options{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to initialize database")
	}
	defer database.Close()

	srv := server.New(database, &server.ServerConfig{
		Addr:            cfg.Addr(),
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		MaxFrameSize:    cfg.MaxFrameSize,
		MaxAuthAttempts: cfg.MaxAuthAttempts,
	}, log)

	if cfg.MetricsAddr != "" {
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	if cfg.ControlSocket != "" {
		go startControlSocket(ctx, cfg.ControlSocket, database, srv, stop)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server stopped")
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	srv.Shutdown(shutdownCtx, "shutdown")
}

func startControlSocket(ctx context.Context, path string, database *db.DB, srv *server.Server, stop context.CancelFunc) {
	log := logger.Get().With().Str("component", "control").Logger()

	// Remove existing socket file
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to create control socket")
		return
	}
	defer os.Remove(path)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	log.Info().Str("path", path).Msg("control socket listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		go handleControlCommand(ctx, conn, database, srv, stop)
	}
}

func handleControlCommand(ctx context.Context, conn net.Conn, database *db.DB, srv *server.Server, stop context.CancelFunc) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)

	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + srv.GetStats() + "\n"))

	case "user":
		if len(parts) < 2 || parts[1] == "" {
			conn.Write([]byte("ERROR|Username required\n"))
			return
		}
		conn.Write([]byte(userStatus(ctx, database, srv, parts[1]) + "\n"))

	case "shutdown":
		reason := "maintenance"
		if len(parts) == 2 && parts[1] != "" {
			reason = parts[1]
		}
		conn.Write([]byte("OK|Shutting down\n"))
		log := logger.Get()
		log.Info().Str("reason", reason).Msg("shutdown requested over control socket")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx, reason)
		stop()

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}

// userStatus formats OK|login|online|last_seen|unread for the control socket.
func userStatus(ctx context.Context, database *db.DB, srv *server.Server, login string) string {
	account, err := database.GetAccount(ctx, login)
	if errors.Is(err, db.ErrNoRows) {
		return "ERROR|User not found"
	}
	if err != nil {
		return "ERROR|" + err.Error()
	}

	unread, err := database.UnreadCount(ctx, login)
	if err != nil {
		return "ERROR|" + err.Error()
	}

	status := "off"
	if srv.IsOnline(login) {
		status = "on"
	}
	lastSeen := ""
	if !account.LastSeen.IsZero() {
		lastSeen = account.LastSeen.Format(time.RFC3339)
	}
	return fmt.Sprintf("OK|%s|%s|%s|%d", account.Username, status, lastSeen, unread)
}
