// Package custodian runs a fragment-holding node: it stores the fragments
// it is given, serves them back, answers custody probes and announces
// itself to the coordinators it bootstraps from.
package custodian

import (
	"context"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/ethosengine/elohim/internal/core"
	"github.com/ethosengine/elohim/internal/p2p"
)

var log = logging.Logger("custodian")

type Node struct {
	*core.BaseNode
	network  *p2p.NetworkManager
	store    *FragmentStore
	verifier *FragmentVerifier
	cfg      Config
}

func NewNode(parent context.Context, cfg Config) (*Node, error) {
	store, err := NewFragmentStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	network, err := p2p.NewNetworkManager(p2p.NetworkConfig{
		ListenAddrs:    cfg.Network.ListenAddrs,
		KeyPath:        cfg.Network.KeyPath,
		BootstrapPeers: cfg.Network.BootstrapPeers,
	})
	if err != nil {
		return nil, err
	}
	return &Node{
		BaseNode: core.NewBaseNode(parent),
		network:  network,
		store:    store,
		verifier: NewFragmentVerifier(store),
		cfg:      cfg,
	}, nil
}

func (n *Node) Network() *p2p.NetworkManager { return n.network }

func (n *Node) Store() *FragmentStore { return n.store }

// Start serves the fragment protocols and launches the background loops.
func (n *Node) Start() error {
	timeout := n.cfg.Network.ProtocolTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	p2p.Serve(n.network, n.store, timeout)

	n.Go(func(ctx context.Context) { n.network.KeepBootstrapped(ctx, 30*time.Second) })
	n.Go(n.announceLoop)
	n.Go(n.scrubLoop)
	log.Infow("custodian started", "peer", n.network.ID(), "addrs", n.network.Addrs(),
		"region", n.cfg.Custodian.Region, "tier", n.cfg.Custodian.TrustTier)
	return nil
}

// AnnounceAll announces this custodian to every connected bootstrap peer.
func (n *Node) AnnounceAll(ctx context.Context) error {
	var firstErr error
	a := p2p.Announcement{Region: n.cfg.Custodian.Region, TrustTier: n.cfg.Custodian.TrustTier}
	if addrs := n.network.Addrs(); len(addrs) > 0 {
		a.Address = addrs[0].String()
	}
	for _, info := range n.network.Bootstrap() {
		if !n.network.Connected(info.ID) {
			continue
		}
		actx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := p2p.Announce(actx, n.network, info.ID, a)
		cancel()
		if err != nil {
			log.Warnw("announce failed", "coordinator", info.ID, "err", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("announce to %s: %w", info.ID, err)
			}
			continue
		}
		log.Debugw("announced", "coordinator", info.ID)
	}
	return firstErr
}

func (n *Node) announceLoop(ctx context.Context) {
	interval := n.cfg.Custodian.AnnounceInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	// Give the bootstrap dial a moment before the first announcement.
	timer := time.NewTimer(2 * time.Second)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			_ = n.AnnounceAll(ctx)
			timer.Reset(interval)
		}
	}
}

func (n *Node) scrubLoop(ctx context.Context) {
	interval := n.cfg.Custodian.ScrubInterval
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := n.verifier.Scrub()
			if err != nil {
				log.Errorw("fragment scrub failed", "err", err)
				continue
			}
			stats := n.store.Stats()
			log.Infow("fragment scrub complete", "checked", res.Checked, "corrupt", len(res.Corrupt),
				"fragments", stats.Fragments, "used", stats.Used.HumanReadable(),
				"capacity", stats.Capacity.HumanReadable())
		}
	}
}

// Stop shuts the loops down and closes the host.
func (n *Node) Stop() {
	n.Shutdown()
	if err := n.network.Close(); err != nil {
		log.Warnw("close host", "err", err)
	}
}
