package p2p

import (
	"context"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/multiformats/go-multiaddr"

	"github.com/ethosengine/elohim/internal/core"
)

// Directory knows the custodians of the network and how to reach them.
// Custodian ids are libp2p peer ids.
type Directory struct {
	net *NetworkManager

	mu         sync.RWMutex
	custodians map[string]core.Custodian
}

func NewDirectory(n *NetworkManager) *Directory {
	return &Directory{net: n, custodians: make(map[string]core.Custodian)}
}

// Register records a custodian and remembers its address.
func (d *Directory) Register(c core.Custodian) error {
	id, err := peer.Decode(c.ID)
	if err != nil {
		return fmt.Errorf("%w: custodian id %q is not a peer id", core.ErrInvalidRequest, c.ID)
	}
	if c.Address != "" {
		addr, err := transportAddr(c.Address, id)
		if err != nil {
			return err
		}
		d.net.host.Peerstore().AddAddrs(id, []multiaddr.Multiaddr{addr}, peerstore.PermanentAddrTTL)
	}
	d.mu.Lock()
	d.custodians[c.ID] = c
	d.mu.Unlock()
	log.Infow("custodian registered", "custodian", c.ID, "region", c.Region, "tier", c.TrustTier)
	return nil
}

func (d *Directory) Get(id string) (core.Custodian, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.custodians[id]
	return c, ok
}

// Custodians lists registered custodians ordered by id, with latency filled
// in from the peerstore's moving average.
func (d *Directory) Custodians() []core.Custodian {
	d.mu.RLock()
	out := make([]core.Custodian, 0, len(d.custodians))
	for _, c := range d.custodians {
		out = append(out, c)
	}
	d.mu.RUnlock()
	for i := range out {
		if id, err := peer.Decode(out[i].ID); err == nil {
			if l := d.net.host.Peerstore().LatencyEWMA(id); l > 0 {
				out[i].Latency = l
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Online reports whether the custodian currently has a live connection.
func (d *Directory) Online(id string) bool {
	pid, err := peer.Decode(id)
	if err != nil {
		return false
	}
	return d.net.Connected(pid)
}

// Resolve turns a custodian descriptor into dialable address info. Known
// peerstore addresses win; the recorded multiaddr is the fallback.
func (d *Directory) Resolve(c core.Custodian) (peer.AddrInfo, error) {
	id, err := peer.Decode(c.ID)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("%w: custodian id %q is not a peer id", core.ErrCustodianUnreachable, c.ID)
	}
	ps := d.net.host.Peerstore()
	if addrs := ps.Addrs(id); len(addrs) > 0 {
		return peer.AddrInfo{ID: id, Addrs: addrs}, nil
	}
	if c.Address == "" {
		if known, ok := d.Get(c.ID); ok && known.Address != "" {
			c.Address = known.Address
		}
	}
	if c.Address == "" {
		return peer.AddrInfo{}, fmt.Errorf("%w: no address for %s", core.ErrCustodianUnreachable, c.ID)
	}
	addr, err := transportAddr(c.Address, id)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("%w: %v", core.ErrCustodianUnreachable, err)
	}
	ps.AddAddrs(id, []multiaddr.Multiaddr{addr}, peerstore.TempAddrTTL)
	return peer.AddrInfo{ID: id, Addrs: []multiaddr.Multiaddr{addr}}, nil
}

// transportAddr strips a trailing /p2p component, checking it names id.
func transportAddr(s string, id peer.ID) (multiaddr.Multiaddr, error) {
	ma, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid custodian address %s: %v", core.ErrInvalidRequest, s, err)
	}
	transport, pid := peer.SplitAddr(ma)
	if pid != "" && pid != id {
		return nil, fmt.Errorf("%w: address %s belongs to %s", core.ErrInvalidRequest, s, pid)
	}
	if transport == nil {
		return nil, fmt.Errorf("%w: address %s has no transport", core.ErrInvalidRequest, s)
	}
	return transport, nil
}

// Announcement is what a custodian tells the coordinator about itself.
type Announcement struct {
	Region    string
	TrustTier int
	Address   string
}

// HandleAnnouncements registers every announcing peer in the directory
// under its authenticated peer id.
func (d *Directory) HandleAnnouncements(timeout time.Duration) {
	d.net.Handle(ProtocolAnnounce, func(s network.Stream) {
		var a Announcement
		serveOne(s, timeout, &a, func() any {
			remote := s.Conn().RemotePeer()
			addr := a.Address
			if addr == "" {
				addr = s.Conn().RemoteMultiaddr().String()
			}
			err := d.Register(core.Custodian{
				ID:        remote.String(),
				Address:   addr,
				Region:    a.Region,
				TrustTier: a.TrustTier,
			})
			return PutResponse{Status: statusOf(err)}
		})
	})
}

// Announce introduces this node to target as a custodian.
func Announce(ctx context.Context, n *NetworkManager, target peer.ID, a Announcement) error {
	s, err := n.host.NewStream(ctx, target, ProtocolAnnounce)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrCustodianUnreachable, err)
	}
	defer s.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}
	if err := gob.NewEncoder(s).Encode(a); err != nil {
		return fmt.Errorf("send announcement: %w", err)
	}
	var resp PutResponse
	if err := gob.NewDecoder(s).Decode(&resp); err != nil {
		return fmt.Errorf("read announcement ack: %w", err)
	}
	return resp.Err()
}
