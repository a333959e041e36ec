// Command parlo-chat runs one realtime conversation session and serves its
// transcript to a browser UI over a local websocket bridge. Lines typed on
// stdin are injected as user turns alongside the microphone.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/parlo-ai/parlo/internal/dotenv"
	"github.com/parlo-ai/parlo/pkg/realtime/bridge"
	"github.com/parlo-ai/parlo/pkg/realtime/config"
	"github.com/parlo-ai/parlo/pkg/realtime/connector"
	"github.com/parlo-ai/parlo/pkg/realtime/session"
	"github.com/parlo-ai/parlo/pkg/realtime/sessions"
	"github.com/parlo-ai/parlo/pkg/realtime/token"
)

type chatDeps struct {
	loadConfig   func() (config.Config, error)
	stdin        io.Reader
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultChatDeps() chatDeps {
	return chatDeps{
		loadConfig: config.FromEnv,
		stdin:      os.Stdin,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildSession(cfg config.Config, logger *slog.Logger) (*session.Session, error) {
	var tokenOpts []token.ClientOption
	if cfg.TokenAPIKey != "" {
		tokenOpts = append(tokenOpts, token.WithAPIKey(cfg.TokenAPIKey))
	}
	return session.New(session.Dependencies{
		Connector: &connector.WebRTC{},
		Tokens:    token.NewClient(cfg.TokenURL, tokenOpts...),
		Logger:    logger,
		Config: session.Config{
			Model:           cfg.Model,
			Voice:           cfg.Voice,
			Language:        cfg.Language,
			NegotiationURL:  cfg.NegotiationURL,
			CoalesceDelay:   cfg.CoalesceDelay,
			EmissionDelay:   cfg.EmissionDelay,
			MaxAccumulation: cfg.MaxAccumulation,
			EventBuffer:     cfg.EventBuffer,
		},
	})
}

// pumpStdin forwards typed lines as user turns until the reader ends.
func pumpStdin(r io.Reader, sess *session.Session, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := sess.SendText(line); err != nil {
			var notConnected *session.NotConnectedError
			if errors.As(err, &notConnected) {
				logger.Warn("dropping typed turn", "err", err)
				continue
			}
			logger.Error("send typed turn", "err", err)
		}
	}
}

func runChat(ctx context.Context, logger *slog.Logger, deps chatDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sess, err := buildSession(cfg, logger)
	if err != nil {
		return fmt.Errorf("build session: %w", err)
	}

	tracker := sessions.NewTracker()
	unregister := tracker.Register(uuid.NewString(), sessions.Handle{Stop: sess.Stop})
	defer unregister()

	mux := http.NewServeMux()
	mux.Handle("/ws", bridge.New(sess, bridge.Options{Logger: logger}))
	httpSrv := &http.Server{Addr: cfg.BridgeAddr, Handler: mux}

	logger.Info("starting bridge", "addr", cfg.BridgeAddr, "model", cfg.Model)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	if err := sess.Start(ctx); err != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		return fmt.Errorf("start session: %w", err)
	}

	if deps.stdin != nil {
		go pumpStdin(deps.stdin, sess, logger)
	}

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		tracker.StopAll()
		if err != nil {
			return fmt.Errorf("serve bridge: %w", err)
		}
		return nil
	case <-ctx.Done():
		tracker.StopAll()
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	tracker.StopAll()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !tracker.Wait(waitCtx) {
		logger.Warn("session did not stop within the grace period")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown bridge server: %w", err)
	}
	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve bridge: %w", err)
	}

	logger.Info("chat session stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps chatDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.Load(); err != nil {
		fmt.Fprintf(stderr, "parlo-chat: %v\n", err)
		return 1
	}

	if err := runChat(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "parlo-chat: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultChatDeps()))
}
