// Package p2p carries fragments between the coordinator and custodians over
// libp2p streams.
package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("p2p")

type NetworkConfig struct {
	ListenAddrs    []string
	KeyPath        string
	BootstrapPeers []string
}

// NetworkManager owns the libp2p host and tracks connected peers.
type NetworkManager struct {
	host      host.Host
	bootstrap []peer.AddrInfo

	peersMu sync.RWMutex
	peers   map[peer.ID]peer.AddrInfo
}

func NewNetworkManager(cfg NetworkConfig) (*NetworkManager, error) {
	bootstrap, err := ParseAddrs(cfg.BootstrapPeers)
	if err != nil {
		return nil, err
	}
	priv, err := LoadOrCreateKey(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	listen := cfg.ListenAddrs
	if len(listen) == 0 {
		listen = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listen...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start libp2p host: %w", err)
	}

	n := &NetworkManager{
		host:      h,
		bootstrap: bootstrap,
		peers:     make(map[peer.ID]peer.AddrInfo),
	}
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    n.connected,
		DisconnectedF: n.disconnected,
	})
	log.Infow("libp2p host started", "peer", h.ID(), "addrs", h.Addrs())
	return n, nil
}

func (n *NetworkManager) connected(_ network.Network, c network.Conn) {
	id := c.RemotePeer()
	n.peersMu.Lock()
	n.peers[id] = peer.AddrInfo{ID: id, Addrs: []multiaddr.Multiaddr{c.RemoteMultiaddr()}}
	n.peersMu.Unlock()
	log.Debugw("peer connected", "peer", id, "addr", c.RemoteMultiaddr())
}

func (n *NetworkManager) disconnected(_ network.Network, c network.Conn) {
	id := c.RemotePeer()
	if n.host.Network().Connectedness(id) == network.Connected {
		return
	}
	n.peersMu.Lock()
	delete(n.peers, id)
	n.peersMu.Unlock()
	log.Debugw("peer disconnected", "peer", id)
}

// Handle registers a stream handler for proto.
func (n *NetworkManager) Handle(proto protocol.ID, handler network.StreamHandler) {
	n.host.SetStreamHandler(proto, handler)
}

func (n *NetworkManager) Host() host.Host {
	return n.host
}

func (n *NetworkManager) ID() peer.ID {
	return n.host.ID()
}

// Addrs returns the host's listen addresses with the /p2p component
// appended, ready to hand to other nodes.
func (n *NetworkManager) Addrs() []multiaddr.Multiaddr {
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: n.host.ID(), Addrs: n.host.Addrs()})
	if err != nil {
		return nil
	}
	return addrs
}

func (n *NetworkManager) Peers() []peer.AddrInfo {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]peer.AddrInfo, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	return peers
}

func (n *NetworkManager) PeerCount() int {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	return len(n.peers)
}

// Connected reports whether there is a live connection to id.
func (n *NetworkManager) Connected(id peer.ID) bool {
	return n.host.Network().Connectedness(id) == network.Connected
}

// Bootstrap returns the configured bootstrap peers.
func (n *NetworkManager) Bootstrap() []peer.AddrInfo {
	return n.bootstrap
}

// ConnectBootstrap dials every bootstrap peer, retrying each up to three
// times. It returns the number of peers reached.
func (n *NetworkManager) ConnectBootstrap(ctx context.Context) int {
	reached := 0
	for _, info := range n.bootstrap {
		n.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
		for attempt := 1; attempt <= 3; attempt++ {
			dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := n.host.Connect(dctx, info)
			cancel()
			if err == nil {
				log.Infow("connected to bootstrap peer", "peer", info.ID)
				reached++
				break
			}
			log.Warnw("bootstrap dial failed", "peer", info.ID, "attempt", attempt, "err", err)
			select {
			case <-ctx.Done():
				return reached
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	return reached
}

// KeepBootstrapped re-dials the bootstrap peers whenever none of them is
// connected, checking on every interval until ctx is done.
func (n *NetworkManager) KeepBootstrapped(ctx context.Context, interval time.Duration) {
	if len(n.bootstrap) == 0 {
		return
	}
	n.ConnectBootstrap(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !n.hasBootstrapConnection() {
				log.Warnw("no bootstrap connection, reconnecting")
				n.ConnectBootstrap(ctx)
			}
		}
	}
}

func (n *NetworkManager) hasBootstrapConnection() bool {
	for _, info := range n.bootstrap {
		if n.Connected(info.ID) {
			return true
		}
	}
	return false
}

func (n *NetworkManager) Close() error {
	return n.host.Close()
}

// ParseAddrs parses /p2p multiaddrs into peer address infos.
func ParseAddrs(addrs []string) ([]peer.AddrInfo, error) {
	out := make([]peer.AddrInfo, 0, len(addrs))
	for _, s := range addrs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid peer address %s: %w", s, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			return nil, fmt.Errorf("invalid peer info %s: %w", s, err)
		}
		out = append(out, *info)
	}
	return out, nil
}
