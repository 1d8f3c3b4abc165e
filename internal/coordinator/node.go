// Package coordinator assembles the recovery components into a running
// node: custody ledger, authorization engine, reconstruction coordinator,
// priority resolver, health auditor and re-replication, reachable over
// libp2p and an HTTP API.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/ethosengine/elohim/internal/authz"
	"github.com/ethosengine/elohim/internal/codec"
	"github.com/ethosengine/elohim/internal/core"
	"github.com/ethosengine/elohim/internal/custody"
	"github.com/ethosengine/elohim/internal/health"
	"github.com/ethosengine/elohim/internal/kv"
	"github.com/ethosengine/elohim/internal/metrics"
	"github.com/ethosengine/elohim/internal/notify"
	"github.com/ethosengine/elohim/internal/p2p"
	"github.com/ethosengine/elohim/internal/priority"
	"github.com/ethosengine/elohim/internal/reconstruct"
	"github.com/ethosengine/elohim/internal/trust"
)

var log = logging.Logger("coordinator")

// Transport reaches custodians: fetch for reconstruction, probe for audits
// and put for distribution and re-replication.
type Transport interface {
	reconstruct.Fetcher
	health.Prober
	Uploader
}

type deps struct {
	store     kv.Store
	graph     trust.Graph
	notifier  notify.Notifier
	transport Transport
	source    CustodianSource
	// network and directory are nil when the node runs without a host.
	network   *p2p.NetworkManager
	directory *p2p.Directory
}

type Node struct {
	*core.BaseNode
	cfg  Config
	deps deps

	ledger      *custody.Ledger
	engine      *authz.Engine
	coord       *reconstruct.Coordinator
	resolver    *priority.Resolver
	auditor     *health.Auditor
	replicator  *ReplicationManager
	distributor *Distributor

	server *http.Server
}

// NewNode opens storage, starts the libp2p host and wires the components.
func NewNode(parent context.Context, cfg Config) (*Node, error) {
	store, err := kv.Open(parent, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	var graph trust.Graph = trust.NewStatic()
	if cfg.Trust.ContactsFile != "" {
		if graph, err = trust.LoadFile(cfg.Trust.ContactsFile); err != nil {
			store.Close()
			return nil, err
		}
	}
	network, err := p2p.NewNetworkManager(p2p.NetworkConfig{
		ListenAddrs:    cfg.Network.ListenAddrs,
		KeyPath:        cfg.Network.KeyPath,
		BootstrapPeers: cfg.Network.BootstrapPeers,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	dir := p2p.NewDirectory(network)
	for _, c := range cfg.Custodians {
		if err := dir.Register(core.Custodian{ID: c.ID, Address: c.Address, Region: c.Region, TrustTier: c.TrustTier}); err != nil {
			network.Close()
			store.Close()
			return nil, fmt.Errorf("custodian %s: %w", c.ID, err)
		}
	}
	client := p2p.NewFragmentClient(network, dir, cfg.Network.ProtocolTimeout)
	return newNode(parent, cfg, deps{
		store:     store,
		graph:     graph,
		transport: client,
		source:    dir,
		network:   network,
		directory: dir,
	})
}

func newNode(parent context.Context, cfg Config, d deps) (*Node, error) {
	authzCfg, err := cfg.authzConfig()
	if err != nil {
		return nil, err
	}
	n := &Node{BaseNode: core.NewBaseNode(parent), cfg: cfg, deps: d}
	rs := codec.NewReedSolomon()
	n.ledger = custody.NewLedger(d.store)
	n.engine = authz.NewEngine(d.store, d.graph, d.notifier, authzCfg)
	n.coord = reconstruct.New(n.ledger, rs, d.transport, reconstruct.NewContentStore(d.store), cfg.reconstructConfig())
	n.resolver = priority.NewResolver(n.Ctx, n.engine, n.coord)
	n.auditor = health.NewAuditor(n.ledger, d.transport, cfg.auditConfig())
	n.replicator = NewReplicationManager(n.Ctx, n.ledger, rs, d.transport, d.transport, d.source, cfg.Distribution.ReplicationWorkers)
	n.distributor = NewDistributor(n.ledger, rs, d.transport, d.source, n.coord.Store(), cfg.Layout())

	n.engine.OnAuthorized(n.startSession)
	n.engine.OnClosed(func(req core.RecoveryRequest) {
		if n.coord.CancelRequest(req.ID) {
			log.Infow("recovery session canceled", "request", req.ID, "status", req.Status, "reason", req.Reason)
		}
	})
	n.coord.OnSessionDone(func(p reconstruct.Progress) {
		if _, err := n.engine.Complete(n.Ctx, p.RequestID); err != nil {
			log.Errorw("complete recovery request", "request", p.RequestID, "err", err)
			return
		}
		log.Infow("recovery complete", "request", p.RequestID, "identity", p.Identity,
			"items", p.Total, "failed", p.Failed)
	})
	n.auditor.OnSignal(n.replicator.HandleSignal)
	return n, nil
}

func (n *Node) startSession(req core.RecoveryRequest, auths []core.RecoveryAuthorization) {
	s, err := n.coord.StartSession(n.Ctx, req, auths)
	if err != nil {
		log.Errorw("start recovery session", "request", req.ID, "err", err)
		return
	}
	log.Infow("recovery session started", "request", req.ID, "session", s.ID, "identity", req.Identity)
}

// Start rebuilds sessions for requests that were authorized before a
// restart and launches the background loops.
func (n *Node) Start() error {
	authorized, err := n.engine.Authorized(n.Ctx)
	if err != nil {
		return fmt.Errorf("load authorized requests: %w", err)
	}
	for _, a := range authorized {
		n.startSession(a.Request, a.Authorizations)
	}

	n.Go(n.engine.Run)
	n.Go(n.auditor.Run)
	if n.deps.network != nil {
		timeout := n.cfg.Network.ProtocolTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		n.deps.directory.HandleAnnouncements(timeout)
		n.Go(func(ctx context.Context) { n.deps.network.KeepBootstrapped(ctx, 30*time.Second) })
		n.Go(n.monitorPeers)
	}
	log.Infow("coordinator started", "rebuilt_sessions", len(authorized))
	return nil
}

func (n *Node) monitorPeers(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			peers := n.deps.network.PeerCount()
			custodians := len(n.deps.source.Custodians())
			metrics.ConnectedPeers.Set(float64(peers))
			log.Debugw("network status", "peers", peers, "custodians", custodians)
		case <-ctx.Done():
			return
		}
	}
}

// ServeAPI serves the HTTP API until Stop is called.
func (n *Node) ServeAPI(addr string) error {
	n.server = &http.Server{Addr: addr, Handler: n.Router(), ReadHeaderTimeout: 10 * time.Second}
	log.Infow("serving API", "addr", addr)
	if err := n.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (n *Node) Stop() {
	if n.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.server.Shutdown(ctx); err != nil {
			log.Warnw("API shutdown", "err", err)
		}
		cancel()
	}
	n.Shutdown()
	n.coord.Close()
	n.replicator.Wait()
	if n.deps.network != nil {
		if err := n.deps.network.Close(); err != nil {
			log.Warnw("close host", "err", err)
		}
	}
	if err := n.deps.store.Close(); err != nil {
		log.Warnw("close storage", "err", err)
	}
}
