package connection

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sealedroom/server/internal/crypto"
	"github.com/sealedroom/server/internal/wire"
)

// currentOutboundKey returns the content key to use for the next
// send, rotating to a fresh one every contentKeyReuseCount uses (spec
// section 4.2's sender-chosen reuse cadence).
func (c *Connection) currentOutboundKey() (crypto.ContentKey, uint64, error) {
	c.outboundMu.Lock()
	defer c.outboundMu.Unlock()

	if !c.haveOutbound || c.outboundUses >= contentKeyReuseCount {
		k, err := crypto.NewContentKey()
		if err != nil {
			return crypto.ContentKey{}, 0, err
		}
		c.outboundKey = k
		c.outboundGen++
		c.outboundUses = 0
		c.haveOutbound = true
	}
	c.outboundUses++
	return c.outboundKey, c.outboundGen, nil
}

// sealFor produces one SealedKey per recipient, reusing a cached wrap
// when the recipient and content-key generation match a prior send
// (spec section 4.3's encryptionKeyCache).
func (c *Connection) sealFor(key crypto.ContentKey, gen uint64, recipients []PeerRef) ([]wire.SealedKey, error) {
	sealed := make([]wire.SealedKey, 0, len(recipients))
	for _, r := range recipients {
		fp := crypto.Fingerprint(r.Public)
		cacheKey := fmt.Sprintf("%x:%d", fp, gen)

		wrap, ok := c.encryptionCache.Get(cacheKey)
		if !ok {
			var err error
			wrap, err = crypto.SealKeyForRecipient(key, r.Public)
			if err != nil {
				return nil, fmt.Errorf("connection: seal content key: %w", err)
			}
			c.encryptionCache.Put(cacheKey, wrap)
		}
		sealed = append(sealed, wire.SealedKey{Fingerprint: fp, Wrap: wrap})
	}
	return sealed, nil
}

// encryptEnvelope fills in Nonce, Content and Recipients for an
// otherwise-complete envelope, addressed to recipients.
func (c *Connection) encryptEnvelope(e *wire.Envelope, plaintext []byte, recipients []PeerRef) error {
	key, gen, err := c.currentOutboundKey()
	if err != nil {
		return err
	}
	nonce, ciphertext, err := crypto.EncryptContent(key, plaintext)
	if err != nil {
		return fmt.Errorf("connection: encrypt content: %w", err)
	}
	sealed, err := c.sealFor(key, gen, recipients)
	if err != nil {
		return err
	}
	e.Encrypted = true
	e.Nonce = nonce
	e.Content = ciphertext
	e.Recipients = sealed
	return nil
}

func (c *Connection) writeEnvelope(e wire.Envelope) error {
	payload := wire.Encode(e)
	if err := wire.WriteFrame(c.t, payload); err != nil {
		return fmt.Errorf("connection: write envelope: %w", err)
	}
	return nil
}

// singleRecipient resolves target to a one-element PeerRef slice via
// the directory.
func (c *Connection) singleRecipient(target string) ([]PeerRef, error) {
	pub, ok := c.directory.Lookup(target)
	if !ok {
		return nil, fmt.Errorf("connection: unknown target %q", target)
	}
	return []PeerRef{{ID: target, Public: pub}}, nil
}

// SendRequest allocates a monotonic id, registers a pending entry,
// encrypts params for target, writes the envelope, and blocks until a
// Response/ResponseError arrives, the timeout elapses, or the
// connection is disposed (spec section 4.4).
func (c *Connection) SendRequest(ctx context.Context, method, target string, params []byte) ([]byte, error) {
	if err := c.waitReady(ctx); err != nil {
		return nil, err
	}

	recipients, err := c.singleRecipient(target)
	if err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	resultCh := make(chan pendingResult, 1)
	timer := c.clock.Timer(c.timeout)

	p := &pendingRequest{resultCh: resultCh, timer: timer}
	c.pendingMu.Lock()
	c.pending[id] = p
	c.pendingMu.Unlock()

	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		timer.Stop()
	}

	env := wire.Envelope{Kind: wire.KindRequest, ID: id, Origin: c.selfID, Target: target, Method: method}
	if err := c.encryptEnvelope(&env, params, recipients); err != nil {
		cleanup()
		return nil, err
	}
	if err := c.writeEnvelope(env); err != nil {
		cleanup()
		return nil, ErrDisconnected
	}

	select {
	case res, ok := <-resultCh:
		timer.Stop()
		if !ok {
			return nil, ErrDisconnected
		}
		return res.payload, res.err
	case <-timer.C:
		cleanup()
		return nil, ErrTimeout
	case <-c.disposed:
		cleanup()
		return nil, ErrDisconnected
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// SendNotification is a fire-and-forget unicast, encrypted for target.
func (c *Connection) SendNotification(ctx context.Context, method, target string, params []byte) error {
	if err := c.waitReady(ctx); err != nil {
		return err
	}
	recipients, err := c.singleRecipient(target)
	if err != nil {
		return err
	}
	env := wire.Envelope{Kind: wire.KindNotification, Origin: c.selfID, Target: target, Method: method}
	if err := c.encryptEnvelope(&env, params, recipients); err != nil {
		return err
	}
	return c.writeEnvelope(env)
}

// SendBroadcast encrypts params for the full known-peer set and sends
// a Broadcast envelope. Silently skipped (returns nil, writes
// nothing) when the peer set is empty, since asymmetric sealing
// requires at least one recipient (spec section 4.4).
func (c *Connection) SendBroadcast(ctx context.Context, method string, params []byte) error {
	if err := c.waitReady(ctx); err != nil {
		return err
	}
	recipients := c.directory.Peers()
	if len(recipients) == 0 {
		return nil
	}
	env := wire.Envelope{Kind: wire.KindBroadcast, Origin: c.selfID, Target: "", Method: method}
	if err := c.encryptEnvelope(&env, params, recipients); err != nil {
		return err
	}
	return c.writeEnvelope(env)
}

// SendError sends an encrypted Error envelope to target, fire-and-
// forget, surfaced on the recipient's onError stream. Used by the
// message relay to report routing failures (spec section 4.7, e.g.
// "no such recipient") back to the sender without any per-id state.
func (c *Connection) SendError(ctx context.Context, target, message string) error {
	if err := c.waitReady(ctx); err != nil {
		return err
	}
	recipients, err := c.singleRecipient(target)
	if err != nil {
		return err
	}
	env := wire.Envelope{Kind: wire.KindError, Origin: c.selfID, Target: target}
	if err := c.encryptEnvelope(&env, []byte(message), recipients); err != nil {
		return err
	}
	return c.writeEnvelope(env)
}

// sendResponse and sendResponseError reply to a Request, addressed
// back to its origin. They wait for Ready since outbound sends always
// await the barrier (spec section 4.4), but a disposed connection
// makes the write a silent no-op, matching "an in-flight handler
// whose connection is disposed may complete but its response write is
// a no-op" (spec section 4.4).
func (c *Connection) sendResponse(ctx context.Context, origin string, id uint64, result []byte) {
	if c.waitReady(ctx) != nil {
		return
	}
	recipients, err := c.singleRecipient(origin)
	if err != nil {
		c.logger.Warn("connection: cannot address response, unknown origin", zap.Error(err))
		return
	}
	env := wire.Envelope{Kind: wire.KindResponse, ID: id, Origin: c.selfID, Target: origin}
	if err := c.encryptEnvelope(&env, result, recipients); err != nil {
		c.logger.Warn("connection: encrypt response failed", zap.Error(err))
		return
	}
	if err := c.writeEnvelope(env); err != nil {
		c.logger.Warn("connection: write response failed", zap.Error(err))
	}
}

func (c *Connection) sendResponseError(ctx context.Context, origin string, id uint64, message string) {
	if c.waitReady(ctx) != nil {
		return
	}
	recipients, err := c.singleRecipient(origin)
	if err != nil {
		c.logger.Warn("connection: cannot address response error, unknown origin", zap.Error(err))
		return
	}
	env := wire.Envelope{Kind: wire.KindResponseError, ID: id, Origin: c.selfID, Target: origin}
	if err := c.encryptEnvelope(&env, []byte(message), recipients); err != nil {
		c.logger.Warn("connection: encrypt response error failed", zap.Error(err))
		return
	}
	if err := c.writeEnvelope(env); err != nil {
		c.logger.Warn("connection: write response error failed", zap.Error(err))
	}
}
