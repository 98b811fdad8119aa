// Package node wires the dtp engines, the UDP transport and the status API
// into a runnable process.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/dtp/internal/httputil"
	"github.com/skycoin/dtp/pkg/client"
	"github.com/skycoin/dtp/pkg/fileio"
	"github.com/skycoin/dtp/pkg/metrics"
	"github.com/skycoin/dtp/pkg/scheduler"
	"github.com/skycoin/dtp/pkg/server"
	"github.com/skycoin/dtp/pkg/transferlog"
	"github.com/skycoin/dtp/pkg/transport"
)

var log = logging.MustGetLogger("node")

// Node runs the server role, client transfers, or both, on one scheduler.
type Node struct {
	config *Config

	Logger *logging.MasterLogger
	logger *logging.Logger

	sched    *scheduler.Pool
	logs     transferlog.LogStore
	registry *prometheus.Registry
	metrics  *metrics.Prometheus
	started  time.Time

	mu      sync.Mutex
	tp      transport.Transport
	srv     *server.Server
	httpL   net.Listener
	httpSrv *http.Server
	httpLog io.WriteCloser
	closed  bool
}

// NewNode constructs new Node.
func NewNode(config *Config, masterLogger *logging.MasterLogger) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %s", err)
	}

	node := &Node{
		config:  config,
		Logger:  masterLogger,
		started: time.Now(),
	}
	node.logger = node.Logger.PackageLogger("dtp")

	if lvl, err := logging.LevelFromString(config.LogLevel); err == nil {
		node.Logger.SetLevel(lvl)
	}

	logs, err := config.TransferLogStore()
	if err != nil {
		return nil, fmt.Errorf("transfer log: %s", err)
	}
	node.logs = logs

	node.registry = prometheus.NewRegistry()
	node.registry.MustRegister(prometheus.NewGoCollector())
	node.metrics = metrics.NewPrometheus("dtp", node.registry)

	node.sched = scheduler.NewPool(config.Scheduler, node.Logger.PackageLogger("scheduler"))
	return node, nil
}

// Start binds the UDP transport, starts the server engine and, if
// configured, the HTTP status API. It does not block.
func (node *Node) Start() error {
	node.mu.Lock()
	defer node.mu.Unlock()
	if node.closed {
		return errors.New("node closed")
	}
	if node.srv != nil {
		return errors.New("node already started")
	}

	dir, err := node.config.ReceivedDir()
	if err != nil {
		return fmt.Errorf("invalid received_dir: %s", err)
	}

	tp, err := transport.NewUDP(node.config.Transport, node.sched, node.Logger.PackageLogger("transport"))
	if err != nil {
		return err
	}
	if err := tp.Start(); err != nil {
		return err
	}

	srv, err := server.New(node.config.ServerConfig(), node.sched, tp, &fileio.FileSinkFactory{Dir: dir},
		server.WithLogger(node.Logger.PackageLogger("server")),
		server.WithMetrics(node.metrics),
		server.WithLogStore(node.logs))
	if err != nil {
		if cErr := tp.Close(); cErr != nil {
			node.logger.WithError(cErr).Warn("Failed to close transport")
		}
		return fmt.Errorf("failed to start server: %s", err)
	}
	node.tp, node.srv = tp, srv
	node.logger.Infof("Receiving into %s on %s", dir, tp.LocalAddr())

	if addr := node.config.Interfaces.HTTPAddress; addr != "" {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to setup HTTP listener: %s", err)
		}
		node.httpL = l
		node.httpLog = node.Logger.WithField("_module", "http").Writer()
		node.httpSrv = &http.Server{Handler: handlers.CustomLoggingHandler(node.httpLog, node, httputil.WriteLog)}
		node.logger.Info("Starting HTTP interface on ", l.Addr())
		go func() {
			if err := node.httpSrv.Serve(l); err != nil && err != http.ErrServerClosed {
				node.logger.WithError(err).Error("HTTP interface stopped")
			}
		}()
	}
	return nil
}

// Serve starts the node and blocks until ctx is done.
func (node *Node) Serve(ctx context.Context) error {
	if err := node.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// Addr returns the UDP address the server role listens on.
func (node *Node) Addr() net.Addr {
	node.mu.Lock()
	defer node.mu.Unlock()
	if node.tp == nil {
		return nil
	}
	return node.tp.LocalAddr()
}

// HTTPAddr returns the address of the HTTP status API, if enabled.
func (node *Node) HTTPAddr() net.Addr {
	node.mu.Lock()
	defer node.mu.Unlock()
	if node.httpL == nil {
		return nil
	}
	return node.httpL.Addr()
}

// Send transfers the file at path to the server at remote (the configured
// remote address when empty) and then lingers to answer retransmit requests.
func (node *Node) Send(ctx context.Context, path, remote string) error {
	if remote == "" {
		remote = node.config.Transport.RemoteAddr
	}
	if remote == "" {
		return transport.ErrNoRemote
	}

	src, err := fileio.OpenFile(path)
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			node.logger.WithError(err).Warn("Failed to close source")
		}
	}()

	tp, err := transport.NewUDP(transport.UDPConfig{LocalAddr: ":0", RemoteAddr: remote}, node.sched, node.Logger.PackageLogger("transport"))
	if err != nil {
		return err
	}
	if err := tp.Start(); err != nil {
		return err
	}
	defer func() {
		if err := tp.Close(); err != nil {
			node.logger.WithError(err).Warn("Failed to close transport")
		}
	}()

	c, err := client.New(node.config.ClientConfig(), tp, src,
		client.WithLogger(node.Logger.PackageLogger("client")),
		client.WithMetrics(node.metrics))
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			node.logger.WithError(err).Warn("Failed to close client")
		}
	}()

	if err := c.Run(ctx); err != nil {
		return err
	}

	if linger := time.Duration(node.config.Client.Linger); linger > 0 {
		node.logger.Debugf("Lingering for %s", linger)
		select {
		case <-ctx.Done():
		case <-time.After(linger):
		}
	}
	node.logger.Infof("Sent %s as transaction %d (%d units)", src.Name(), c.TransactionID(), c.Sent())
	return nil
}

// LogStore returns the transfer log.
func (node *Node) LogStore() transferlog.LogStore {
	return node.logs
}

// Active returns the ids of transfers in progress.
func (node *Node) Active() []uint32 {
	node.mu.Lock()
	srv := node.srv
	node.mu.Unlock()
	if srv == nil {
		return []uint32{}
	}
	return srv.Active()
}

// Close safely stops the server role, the HTTP interface and the scheduler.
// Every component is closed; the first error is returned.
func (node *Node) Close() (err error) {
	if node == nil {
		return nil
	}
	node.mu.Lock()
	if node.closed {
		node.mu.Unlock()
		return nil
	}
	node.closed = true
	srv, tp, httpSrv, httpLog := node.srv, node.tp, node.httpSrv, node.httpLog
	node.mu.Unlock()

	fail := func(cErr error, msg string) {
		node.logger.WithError(cErr).Error(msg)
		if err == nil {
			err = cErr
		}
	}

	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(node.config.ShutdownTimeout))
		if cErr := httpSrv.Shutdown(ctx); cErr != nil {
			fail(cErr, "failed to stop HTTP interface")
		}
		cancel()
		if cErr := httpLog.Close(); cErr != nil {
			node.logger.WithError(cErr).Warn("failed to close HTTP log writer")
		}
	}
	if srv != nil {
		if cErr := srv.Close(); cErr != nil {
			fail(cErr, "failed to stop server")
		}
	}
	if tp != nil {
		if cErr := tp.Close(); cErr != nil {
			fail(cErr, "failed to close transport")
		}
	}
	node.sched.Stop()
	if cErr := node.logs.Close(); cErr != nil {
		fail(cErr, "failed to close transfer log")
	}
	return err
}
