package peerclient

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/sealedroom/server/internal/transport"
	"github.com/sealedroom/server/internal/wire"
)

// ConnectLibp2p is the libp2p counterpart to Connect: it dials the
// server's libp2p host directly instead of going through the HTTP
// websocket upgrade, sends joinToken as the stream's first frame (the
// convention internal/server.ServeLibp2p expects), and otherwise runs
// the identical peer.init/peer.onInfo handshake.
func (c *Client) ConnectLibp2p(ctx context.Context, h host.Host, server peer.AddrInfo, joinToken string) (*Session, error) {
	t, err := transport.DialLibp2p(ctx, h, server)
	if err != nil {
		return nil, fmt.Errorf("peerclient: dial libp2p: %w", err)
	}
	if err := wire.WriteFrame(t, []byte(joinToken)); err != nil {
		_ = t.Dispose()
		return nil, fmt.Errorf("peerclient: send join token: %w", err)
	}
	return c.connectOver(ctx, t)
}
