// Command clsplaned runs the classifier control-plane daemon: an HTTP
// front end over control.Plane, backed by the core object graph.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clsplane/clsplane/collab"
	"github.com/clsplane/clsplane/control"
	"github.com/clsplane/clsplane/control/auth"
	"github.com/clsplane/clsplane/core"
	"github.com/clsplane/clsplane/internal/nlog"
	"github.com/clsplane/clsplane/internal/xerrors"
	"github.com/clsplane/clsplane/offload"
	"github.com/clsplane/clsplane/ops"
)

func main() {
	addr := flag.String("listen", ":8087", "HTTP listen address")
	debugLevel := flag.String("log-level", "info", "error|warn|info|debug")
	jwtSecret := flag.String("jwt-secret", "", "HMAC secret for admin-token verification")
	sidecarURL := flag.String("sidecar-url", "", "driver sidecar base URL for direct offload binding (enables offload.SidecarNetdev)")
	flag.Parse()

	switch *debugLevel {
	case "error":
		nlog.SetLevel(nlog.LevelError)
	case "warn":
		nlog.SetLevel(nlog.LevelWarn)
	case "debug":
		nlog.SetLevel(nlog.LevelDebug)
	default:
		nlog.SetLevel(nlog.LevelInfo)
	}

	bridge := offload.NewBridge()
	registry := ops.NewRegistry(nil)
	ns := core.NewNamespace(bridge)
	checker := auth.NewChecker([]byte(*jwtSecret))

	var locator control.BlockLocator = staticLocator{}
	if *sidecarURL != "" {
		locator = sidecarLocator{baseURL: *sidecarURL}
	}

	plane := &control.Plane{
		NS:       ns,
		Registry: registry,
		Locator:  locator,
		Auth:     checker,
	}

	mux := http.NewServeMux()
	control.RegisterHandlers(mux, plane)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		nlog.Infof("clsplaned listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			nlog.Errorf("clsplaned: %v", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		nlog.Errorf("clsplaned: shutdown: %v", err)
	}
}

// staticLocator is a placeholder BlockLocator: a real deployment wires
// this to the host's qdisc/netdev registry (spec.md §1 Non-goals: that
// registry itself is out of scope).
type staticLocator struct{}

func (staticLocator) Resolve(ifindex, parent uint32) (collab.Qdisc, collab.Netdev, error) {
	return nil, nil, xerrors.NotFound("no qdisc/netdev registry wired in this deployment")
}

// sidecarLocator resolves every ifindex to an offload.SidecarNetdev
// bound to one external driver sidecar process, reachable over HTTP.
// The qdisc identity itself stays a bare ID (qdisc internals are out of
// scope per spec.md §1); only the netdev side talks to anything real.
type sidecarLocator struct{ baseURL string }

func (s sidecarLocator) Resolve(ifindex, parent uint32) (collab.Qdisc, collab.Netdev, error) {
	qd := sidecarQdisc{id: fmt.Sprintf("qdisc-%d-%d", ifindex, parent)}
	nd := offload.NewSidecarNetdev(fmt.Sprintf("netdev-%d", ifindex), s.baseURL, true)
	return qd, nd, nil
}

type sidecarQdisc struct{ id string }

func (q sidecarQdisc) ID() string       { return q.id }
func (q sidecarQdisc) Unlocked() bool   { return false }
func (q sidecarQdisc) SetCanBypass(bool) {}
