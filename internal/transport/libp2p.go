package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// ProtocolID identifies the collaboration wire protocol on a libp2p
// stream, replacing the teacher's single fixed "/tmd/msg/1.0.0".
const ProtocolID = "/sealedroom/relay/1.0.0"

// NewLibp2pStream wraps an already-open libp2p stream as a Transport.
// Used both by DialLibp2p below and by a host's SetStreamHandler
// callback on the accepting side.
func NewLibp2pStream(s network.Stream) Transport {
	return newStreamTransport(s)
}

// DialLibp2p opens a new stream to the given peer over h and returns
// it as a Transport. Adapted from the teacher's connPool.dialAndHandshake
// in pool.go: the dial/stream-open mechanics are unchanged, but the
// application handshake (challenge/hello) that used to happen inline
// here now happens one layer up, over the generic Transport, as the
// connection core's login/session/join exchange (spec section 5).
func DialLibp2p(ctx context.Context, h host.Host, to peer.AddrInfo) (Transport, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	h.Peerstore().AddAddrs(to.ID, to.Addrs, time.Hour)

	stream, err := h.NewStream(dialCtx, to.ID, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("transport: open libp2p stream: %w", err)
	}
	return NewLibp2pStream(stream), nil
}

// ListenLibp2p registers a stream handler for ProtocolID on h and
// returns a channel of accepted Transports. Closing ctx stops
// registering new streams; already-delivered Transports are
// unaffected.
func ListenLibp2p(ctx context.Context, h host.Host) <-chan Transport {
	incoming := make(chan Transport)
	h.SetStreamHandler(ProtocolID, func(s network.Stream) {
		select {
		case incoming <- NewLibp2pStream(s):
		case <-ctx.Done():
			_ = s.Close()
		}
	})
	go func() {
		<-ctx.Done()
		h.RemoveStreamHandler(ProtocolID)
	}()
	return incoming
}

// ParseAddrInfo builds a peer.AddrInfo from a PeerID and a set of
// multiaddr strings, the form identities are exchanged in out of band
// (QR code, invite link, config file).
func ParseAddrInfo(id peer.ID, addrs []string) (peer.AddrInfo, error) {
	info := peer.AddrInfo{ID: id}
	for _, a := range addrs {
		ma, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			return peer.AddrInfo{}, fmt.Errorf("transport: parse multiaddr %q: %w", a, err)
		}
		info.Addrs = append(info.Addrs, ma)
	}
	return info, nil
}
