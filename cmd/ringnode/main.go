// Package main implements the ringchat node, one chat server in a Chord-style
// ring. Each node owns the user accounts whose identifiers fall between its
// predecessor and itself, and redirects clients to the owner of any other
// account.
//
// The node is responsible for:
//   - Joining an existing ring, or starting a ring of one
//   - Answering ring protocol calls from other nodes
//   - Serving SIGNUP, SIGNIN and SIGNOUT for the accounts it owns
//   - Optionally stabilizing its successor and predecessor links
//   - Exposing its state over an admin HTTP endpoint
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                 Node                     │
//	├─────────────────────────────────────────┤
//	│  Ring listener (TCP, optional mTLS):    │
//	│    NEWNODE, PREDECESSOR, SUCCESSOR_FT   │
//	│    SERVER_DOWN, SIGNUP, SIGNIN, SIGNOUT │
//	├─────────────────────────────────────────┤
//	│  Admin HTTP:                            │
//	│    /health       - Health check         │
//	│    /ring         - Finger table view    │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    ring.Server   - Routing state        │
//	│    Dispatcher    - Message fabric       │
//	│    chat.Service  - Account service      │
//	│    DataDir       - Locked data dir      │
//	└─────────────────────────────────────────┘
//
// Configuration is read by internal/config: built-in defaults, then the
// file named by RINGCHAT_CONFIG, then RINGCHAT_* variables from the
// environment or from the dotenv file named by RINGCHAT_ENV_FILE
// (default ".env").
//
// Example usage:
//
//	# First node
//	RINGCHAT_LISTEN=10.0.0.1:7000 \
//	RINGCHAT_ADMIN_LISTEN=:8080 \
//	./ringnode
//
//	# Second node
//	RINGCHAT_LISTEN=10.0.0.2:7000 \
//	RINGCHAT_JOIN=10.0.0.1:7000 \
//	./ringnode
//
//	# Inspect the ring
//	curl localhost:8080/ring
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dreamware/ringchat/internal/chat"
	"github.com/dreamware/ringchat/internal/cluster"
	"github.com/dreamware/ringchat/internal/config"
	"github.com/dreamware/ringchat/internal/fabric"
	"github.com/dreamware/ringchat/internal/ring"
	"github.com/dreamware/ringchat/internal/shard"
	"github.com/dreamware/ringchat/internal/stabilizer"
	"github.com/dreamware/ringchat/internal/storage"
	"github.com/dreamware/ringchat/internal/transport"
)

// logFatal is a variable to allow mocking log.Fatalf in tests.
var logFatal = log.Fatalf

// joinTimeout bounds the whole join, bootstrap wait included.
const joinTimeout = 30 * time.Second

// Node bundles the running pieces of one ringchat server.
//
// Lifecycle:
//   - newNode opens the data directory and the ring listener
//   - start serves connections, joins and starts the stabilizer
//   - close tears everything down in reverse order
type Node struct {
	cfg        config.Config
	log        *log.Entry
	ring       *ring.Server
	dispatcher *fabric.Dispatcher
	accounts   *chat.Service
	users      *shard.Shard
	dataDir    *storage.DataDir
	listener   *transport.Server
	stabilizer *stabilizer.Stabilizer
	admin      *http.Server
	serveDone  chan error
}

// newNode assembles a node from cfg without contacting any peer.
//
// Parameters:
//   - cfg: validated configuration
//
// Returns:
//   - The assembled node, listening but not yet serving
//   - An error if the data directory is locked or a listener cannot open
func newNode(cfg config.Config) (*Node, error) {
	space, err := cfg.Space()
	if err != nil {
		return nil, err
	}
	self, err := cfg.Self()
	if err != nil {
		return nil, err
	}
	entry := log.WithFields(log.Fields{"node": self.ID, "addr": self.Addr()})

	dataDir, err := storage.OpenDataDir(cfg.DataDir, self.ID)
	if err != nil {
		return nil, err
	}
	store, err := storage.NewFileStore(dataDir.Users)
	if err != nil {
		dataDir.Close()
		return nil, err
	}

	var tlsCfg *tls.Config
	if cfg.TLS.Enabled {
		tlsCfg, err = transport.LoadTLS(transport.TLSFiles{
			CertFile: cfg.TLS.CertFile,
			KeyFile:  cfg.TLS.KeyFile,
			CAFile:   cfg.TLS.CAFile,
		})
		if err != nil {
			dataDir.Close()
			return nil, err
		}
	}

	srv := ring.NewServer(space, self, ring.WithLogger(entry.WithField("component", "ring")))
	users := shard.NewShard(self.ID, store, srv)
	accounts := chat.NewService(srv, users)
	accounts.SetLogger(entry.WithField("component", "chat"))

	dialer := &transport.Dialer{TLS: tlsCfg, Timeout: cfg.CallTimeout}
	d := fabric.New(srv, dialer,
		fabric.WithApplication(accounts),
		fabric.WithCallTimeout(cfg.CallTimeout),
		fabric.WithMaxInflight(cfg.MaxInflight),
		fabric.WithLogger(entry.WithField("component", "fabric")),
	)

	ln, err := transport.Listen(cfg.Listen, tlsCfg)
	if err != nil {
		dataDir.Close()
		return nil, err
	}

	n := &Node{
		cfg:        cfg,
		log:        entry,
		ring:       srv,
		dispatcher: d,
		accounts:   accounts,
		users:      users,
		dataDir:    dataDir,
		listener: transport.NewServer(ln, d, cfg.MaxInflight,
			transport.WithMaxSessions(cfg.MaxSessions),
			transport.WithTimeouts(cfg.HandshakeTimeout, cfg.IdleTimeout),
			transport.WithServerLogger(entry.WithField("component", "transport")),
		),
		serveDone: make(chan error, 1),
	}
	if cfg.StabilizeInterval > 0 {
		n.stabilizer = stabilizer.New(srv, d, cfg.StabilizeInterval)
		n.stabilizer.SetLogger(entry.WithField("component", "stabilizer"))
	}
	if cfg.AdminListen != "" {
		n.admin = &http.Server{
			Addr:              cfg.AdminListen,
			Handler:           adminHandler(n),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return n, nil
}

// start serves the ring listener, joins the configured contact and starts
// the optional stabilizer and admin server.
func (n *Node) start(ctx context.Context) error {
	go func() {
		n.serveDone <- n.listener.Serve(ctx)
	}()
	n.log.Infof("listening on %s", n.listener.Addr())

	if n.admin != nil {
		go func() {
			n.log.Infof("admin listening on %s", n.cfg.AdminListen)
			if err := n.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logFatal("admin listen: %v", err)
			}
		}()
	}

	if n.cfg.Join != "" {
		n.users.SetState(shard.ShardStateJoining)
		joinCtx, cancel := context.WithTimeout(ctx, joinTimeout)
		err := n.dispatcher.Join(joinCtx, n.cfg.Join)
		cancel()
		if err != nil {
			return err
		}
		n.users.SetState(shard.ShardStateActive)
		n.log.Infof("joined ring, successor %s", n.ring.Successor())
	} else {
		n.log.Info("starting a new ring")
	}

	if n.stabilizer != nil {
		go n.stabilizer.Start(ctx)
	}
	return nil
}

// close stops every component. It is safe to call after a failed start.
func (n *Node) close() {
	if n.stabilizer != nil {
		n.stabilizer.Stop()
	}
	if n.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.admin.Shutdown(ctx); err != nil {
			n.log.Warnf("admin shutdown: %v", err)
		}
		cancel()
	}
	if err := n.listener.Close(); err != nil {
		n.log.Warnf("listener close: %v", err)
	}
	n.dispatcher.Close()
	if err := n.dataDir.Close(); err != nil {
		n.log.Warnf("data dir unlock: %v", err)
	}
}

// main loads the configuration, runs the node and waits for SIGINT or
// SIGTERM.
//
// Exit codes:
//   - 0: Normal shutdown via signal
//   - 1: Invalid configuration, locked data directory or failed join
func main() {
	cfg, err := config.Loader{EnvFile: getenv("RINGCHAT_ENV_FILE", ".env")}.Load()
	if err != nil {
		logFatal("config: %v", err)
	}
	if err := setupLogging(cfg); err != nil {
		logFatal("logging: %v", err)
	}

	node, err := newNode(cfg)
	if errors.Is(err, storage.ErrDirLocked) {
		logFatal("another node is using %s: %v", cfg.DataDir, err)
	}
	if err != nil {
		logFatal("start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := node.start(ctx); err != nil {
		node.close()
		logFatal("join %s: %v", cfg.Join, err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case <-stop:
	case err := <-node.serveDone:
		node.log.Errorf("ring listener stopped: %v", err)
	}

	cancel()
	node.close()
	node.log.Info("node stopped")
}

// setupLogging applies the configured level and format to the standard
// logrus logger.
func setupLogging(cfg config.Config) error {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	switch cfg.LogFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// adminHandler routes the admin endpoints of n.
func adminHandler(n *Node) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		handleHealth(n, w, r)
	})
	mux.HandleFunc("/ring", func(w http.ResponseWriter, r *http.Request) {
		handleRing(n, w, r)
	})
	return mux
}

// handleHealth reports liveness plus a short summary of the node.
//
// Response body:
//
//	{
//	  "node": {"ip": "10.0.0.1", "id": 42, "port": 7000},
//	  "established": true,
//	  "online": 3,
//	  "users": {"node": 42, "state": "active", "keyCount": 17, ...}
//	}
//
// Response:
//   - 200 OK: JSON health summary
//   - 405 Method Not Allowed: anything but GET
func handleHealth(n *Node, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := cluster.HealthReport{
		Node:        n.ring.Self(),
		Established: n.ring.Established(),
		Online:      n.accounts.Online(),
		Users:       n.users.Info(),
	}
	if n.stabilizer != nil {
		resp.Successor = n.stabilizer.Health()
	}
	writeJSON(w, resp)
}

// handleRing returns the node's view of the ring: its predecessor, every
// finger with the identifier it starts at, and the member directory.
//
// Response:
//   - 200 OK: JSON ring view
//   - 405 Method Not Allowed: anything but GET
func handleRing(n *Node, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, cluster.Describe(n.ring))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("write response: %v", err)
	}
}

// getenv retrieves an environment variable with a default fallback value.
//
// Parameters:
//   - k: Environment variable name to look up
//   - def: Default value if variable is unset or empty
//
// Returns:
//   - Environment variable value if set and non-empty
//   - Default value otherwise
//
// Example:
//
//	envFile := getenv("RINGCHAT_ENV_FILE", ".env")
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
