// Package p2p builds the libp2p host backing the libp2p Transport
// implementation (see internal/transport), one of the pluggable
// duplex-stream transports the connection core can run over.
//
// Adapted from the teacher's internal/p2p/host.go, unchanged in
// shape: it is already the minimal constructor this role needs.
package p2p

import (
	"fmt"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
)

// NewHost creates a libp2p host identified by priv, listening on the
// given TCP port (0 picks a random available port).
func NewHost(priv crypto.PrivKey, port int) (host.Host, error) {
	listenAddr := fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", port)

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listenAddr),
	)
	if err != nil {
		return nil, fmt.Errorf("p2p: create libp2p host: %w", err)
	}

	return h, nil
}
