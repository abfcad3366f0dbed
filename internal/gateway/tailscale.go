package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/clawgate/clawgate/internal/config"
)

// StartTailscale launches an optional tsnet listener serving mux over the
// operator's tailnet, as an alternate (or additional) transport to the
// gateway's main Gateway.Host:Port listener. A nil-hostname config is a
// no-op: the returned cleanup func is safe to call unconditionally on
// shutdown either way.
func StartTailscale(ctx context.Context, cfg config.TailscaleConfig, mux *http.ServeMux) (func(), error) {
	if cfg.Hostname == "" {
		return func() {}, nil
	}

	tsSrv := &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       cfg.StateDir,
		AuthKey:   cfg.AuthKey,
		Ephemeral: cfg.Ephemeral,
		Logf:      func(string, ...interface{}) {}, // tsnet's own chatty logging is redundant with ours
	}

	ln, err := tsSrv.Listen("tcp", ":80")
	if err != nil {
		tsSrv.Close()
		return nil, fmt.Errorf("gateway: tsnet listen: %w", err)
	}

	httpSrv := &http.Server{Handler: mux}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway: tsnet serve failed", "error", err)
		}
	}()

	slog.Info("gateway: tsnet listener started", "hostname", cfg.Hostname, "ephemeral", cfg.Ephemeral)

	cleanup := func() {
		_ = httpSrv.Close()
		_ = tsSrv.Close()
	}

	go func() {
		<-ctx.Done()
		cleanup()
	}()

	return cleanup, nil
}
