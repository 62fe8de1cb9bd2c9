// wsprobe dials a messaging backend, exercises the ping and echo paths and
// prints the diagnostics and health exports as JSON. Ctrl-C tears the
// service down cleanly.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/penthoy/icotes-sub001/internal/core/ws"
	"github.com/penthoy/icotes-sub001/internal/core/ws/service"
	"github.com/penthoy/icotes-sub001/internal/injector"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file; defaults apply when empty")
		backend    = flag.String("backend", "", "backend base URL, overrides the config")
		terminal   = flag.String("terminal", "", "probe the terminal socket with this id instead of chat")
		wait       = flag.Duration("wait", 3*time.Second, "how long to wait for the echo reply")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "wsprobe: load config:", err)
		os.Exit(1)
	}
	if *backend != "" {
		cfg.BackendURL = *backend
	}

	registry := injector.BuildRegistry(cfg)
	svc, err := injector.BuildService(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "wsprobe: build service:", err)
		os.Exit(1)
	}
	if err = registry.Register("probe", svc); err != nil {
		fmt.Fprintln(os.Stderr, "wsprobe: register service:", err)
		os.Exit(1)
	}
	svc.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, os.Kill, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-stopCh
		cancel()
	}()

	if err = probe(ctx, svc, *terminal, *wait); err != nil {
		fmt.Fprintln(os.Stderr, "wsprobe:", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err = registry.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintln(os.Stderr, "wsprobe: shutdown:", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (ws.Config, error) {
	if path == "" {
		return ws.DefaultConfig(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return ws.Config{}, errors.Wrap(err, "open config")
	}
	defer f.Close()
	return ws.LoadYAML(f)
}

// probe opens one socket, watches its traffic, sends a ping and an echo
// message, then prints the diagnostics report and the full health export.
func probe(ctx context.Context, svc *service.Service, terminalID string, wait time.Duration) error {
	opts := service.ConnectOptions{ServiceType: ws.ServiceChat}
	if terminalID != "" {
		opts = service.ConnectOptions{ServiceType: ws.ServiceTerminal, TerminalID: terminalID}
	}
	id, err := svc.Connect(ctx, opts)
	if err != nil {
		return errors.Wrap(err, "connect")
	}
	fmt.Println("connected:", id)

	sub := svc.Subscribe(func(e ws.Event) {
		if e.Frame != nil {
			fmt.Printf("<- %s: %s\n", e.Frame.Type, e.Raw)
		}
	}, ws.EventMessage)
	defer sub.Cancel()

	// The service swallows the pong and folds the round-trip into the
	// latency window, so a successful ping shows up in the health export.
	if _, err = svc.Send(ctx, id, map[string]any{"type": "ping"},
		service.SendOptions{Priority: ws.PriorityHigh}); err != nil {
		return errors.Wrap(err, "send ping")
	}

	frame, err := svc.Request(ctx, id, map[string]any{"type": "message", "content": "wsprobe echo"},
		service.SendOptions{Timeout: wait})
	switch {
	case err == nil:
		fmt.Printf("echo reply (%s): %s\n", frame.Type, frame.Raw)
	case errors.Is(err, ws.ErrResponseTimeout):
		fmt.Println("echo reply: none (backend does not correlate message ids)")
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return errors.Wrap(err, "echo request")
	}

	report, err := svc.RunDiagnostics(ctx, id)
	if err != nil {
		return errors.Wrap(err, "diagnostics")
	}
	if err = printJSON("diagnostics", report); err != nil {
		return err
	}
	return printJSON("health", svc.HealthInfo())
}

func printJSON(label string, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "marshal %s", label)
	}
	fmt.Printf("%s:\n%s\n", label, out)
	return nil
}
