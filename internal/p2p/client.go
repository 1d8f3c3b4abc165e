package p2p

import (
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/ethosengine/elohim/internal/core"
)

// FragmentClient speaks the fragment protocols to custodians. It serves as
// the reconstruction fetcher, the audit prober and the re-replication
// uploader.
type FragmentClient struct {
	net     *NetworkManager
	dir     *Directory
	timeout time.Duration
}

func NewFragmentClient(n *NetworkManager, dir *Directory, timeout time.Duration) *FragmentClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FragmentClient{net: n, dir: dir, timeout: timeout}
}

// Fetch retrieves one fragment's bytes from custodian.
func (c *FragmentClient) Fetch(ctx context.Context, custodian core.Custodian, contentID string, index int) ([]byte, error) {
	var resp GetResponse
	if err := c.roundTrip(ctx, custodian, ProtocolGet, FragmentRef{ContentID: contentID, Index: index}, &resp); err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Probe asks custodian for the hash of the fragment it currently stores.
// A fragment the custodian no longer holds yields core.ErrNotFound.
func (c *FragmentClient) Probe(ctx context.Context, custodian core.Custodian, contentID string, index int) (string, error) {
	var resp ProbeResponse
	if err := c.roundTrip(ctx, custodian, ProtocolProbe, FragmentRef{ContentID: contentID, Index: index}, &resp); err != nil {
		return "", err
	}
	if err := resp.Err(); err != nil {
		return "", err
	}
	return resp.Hash, nil
}

// Put stores a fragment on custodian, which checks it against hash.
func (c *FragmentClient) Put(ctx context.Context, custodian core.Custodian, contentID string, index int, data []byte) error {
	req := PutRequest{
		FragmentRef: FragmentRef{ContentID: contentID, Index: index},
		Hash:        core.FragmentHash(data),
		Data:        data,
	}
	var resp PutResponse
	if err := c.roundTrip(ctx, custodian, ProtocolPut, req, &resp); err != nil {
		return err
	}
	return resp.Err()
}

// roundTrip opens one stream, sends req and decodes the reply into resp.
// Transport failures are reported as core.ErrCustodianUnreachable.
func (c *FragmentClient) roundTrip(ctx context.Context, custodian core.Custodian, proto protocol.ID, req, resp any) error {
	info, err := c.dir.Resolve(custodian)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.net.host.Connect(ctx, info); err != nil {
		return fmt.Errorf("%w: dial %s: %v", core.ErrCustodianUnreachable, custodian.ID, err)
	}
	s, err := c.net.host.NewStream(ctx, info.ID, proto)
	if err != nil {
		return fmt.Errorf("%w: open %s to %s: %v", core.ErrCustodianUnreachable, proto, custodian.ID, err)
	}
	defer s.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}
	if err := gob.NewEncoder(s).Encode(req); err != nil {
		_ = s.Reset()
		return fmt.Errorf("%w: send to %s: %v", core.ErrCustodianUnreachable, custodian.ID, err)
	}
	if err := gob.NewDecoder(s).Decode(resp); err != nil {
		_ = s.Reset()
		return fmt.Errorf("%w: read from %s: %v", core.ErrCustodianUnreachable, custodian.ID, err)
	}
	return nil
}
