package p2p

import (
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/ethosengine/elohim/internal/core"
)

const (
	ProtocolGet      protocol.ID = "/elohim/fragment/get/1.0.0"
	ProtocolPut      protocol.ID = "/elohim/fragment/put/1.0.0"
	ProtocolProbe    protocol.ID = "/elohim/fragment/probe/1.0.0"
	ProtocolAnnounce protocol.ID = "/elohim/custodian/announce/1.0.0"
)

// FragmentRef names one fragment of one content item.
type FragmentRef struct {
	ContentID string
	Index     int
}

// Status is the error half of every response. Code carries the taxonomy
// name so the caller can rebuild a classifiable error.
type Status struct {
	Code    string
	Message string
}

func statusOf(err error) Status {
	if err == nil {
		return Status{}
	}
	return Status{Code: core.Code(err), Message: err.Error()}
}

func (s Status) Err() error {
	if s.Code == "" {
		return nil
	}
	if base := core.FromCode(s.Code); base != nil {
		return fmt.Errorf("%w (remote: %s)", base, s.Message)
	}
	return errors.New(s.Message)
}

type GetResponse struct {
	Status
	Data []byte
}

type PutRequest struct {
	FragmentRef
	Hash string
	Data []byte
}

type PutResponse struct {
	Status
}

type ProbeResponse struct {
	Status
	Hash string
}

// FragmentStore is what a custodian exposes over the fragment protocols.
type FragmentStore interface {
	Get(contentID string, index int) ([]byte, error)
	Put(contentID string, index int, hash string, data []byte) error
	// Hash recomputes the hash of the fragment as currently stored.
	Hash(contentID string, index int) (string, error)
}

// Serve registers the fragment get, put and probe handlers backed by store.
// Each stream carries one gob-encoded request and one response and must
// finish within timeout.
func Serve(n *NetworkManager, store FragmentStore, timeout time.Duration) {
	n.Handle(ProtocolGet, func(s network.Stream) {
		var ref FragmentRef
		serveOne(s, timeout, &ref, func() any {
			data, err := store.Get(ref.ContentID, ref.Index)
			return GetResponse{Status: statusOf(err), Data: data}
		})
	})
	n.Handle(ProtocolPut, func(s network.Stream) {
		var req PutRequest
		serveOne(s, timeout, &req, func() any {
			err := store.Put(req.ContentID, req.Index, req.Hash, req.Data)
			return PutResponse{Status: statusOf(err)}
		})
	})
	n.Handle(ProtocolProbe, func(s network.Stream) {
		var ref FragmentRef
		serveOne(s, timeout, &ref, func() any {
			hash, err := store.Hash(ref.ContentID, ref.Index)
			return ProbeResponse{Status: statusOf(err), Hash: hash}
		})
	})
}

func serveOne(s network.Stream, timeout time.Duration, req any, handle func() any) {
	remote := s.Conn().RemotePeer()
	defer s.Close()
	if err := s.SetDeadline(time.Now().Add(timeout)); err != nil {
		log.Debugw("set stream deadline", "err", err)
	}
	if err := gob.NewDecoder(s).Decode(req); err != nil {
		log.Warnw("bad fragment request", "peer", remote, "protocol", s.Protocol(), "err", err)
		_ = s.Reset()
		return
	}
	if err := gob.NewEncoder(s).Encode(handle()); err != nil {
		log.Warnw("fragment response not delivered", "peer", remote, "protocol", s.Protocol(), "err", err)
		_ = s.Reset()
	}
}
