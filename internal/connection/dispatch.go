package connection

import (
	"encoding/hex"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/sealedroom/server/internal/crypto"
	"github.com/sealedroom/server/internal/wire"
)

// readLoop is the single reader task described in spec section 5: it
// drains the transport and dispatches envelopes one at a time, so
// handler invocations for this connection are strictly ordered.
// Grounded on the teacher's peerSession.readLoop in peer.go,
// generalized from "only expect responses" to the full set of kinds.
func (c *Connection) readLoop() {
	for {
		payload, err := wire.ReadFrame(c.t)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				_ = c.Dispose()
				return
			}
			c.emitConnectionError(err)
			_ = c.Dispose()
			return
		}

		env, err := wire.Decode(payload)
		if err != nil {
			c.emitError(err)
			continue
		}

		c.dispatch(env)
	}
}

func (c *Connection) decryptEnvelope(e wire.Envelope) ([]byte, error) {
	if !e.Encrypted {
		return e.Content, nil
	}

	myFP := crypto.Fingerprint(c.self.Public)
	refs := make([]crypto.SealedKeyRef, len(e.Recipients))
	for i, r := range e.Recipients {
		refs[i] = crypto.SealedKeyRef{Fingerprint: r.Fingerprint, Wrap: r.Wrap}
	}
	wrap, err := crypto.FindWrapForMe(refs, myFP)
	if err != nil {
		return nil, err
	}

	cacheKey := hex.EncodeToString(wrap)
	key, ok := c.decryptionCache.Get(cacheKey)
	if !ok {
		key, err = crypto.UnsealKeyForRecipient(c.self, wrap)
		if err != nil {
			return nil, err
		}
		c.decryptionCache.Put(cacheKey, key)
	}

	return crypto.DecryptContent(key, e.Nonce, e.Content)
}

// dispatch implements the inbound dispatch algorithm of spec section
// 4.4, one envelope at a time. The connection's remoteID, when set,
// overwrites Origin on every inbound envelope before anything else
// touches it — including envelopes addressed to the server itself,
// not just ones a relay hook forwards — so a peer can never spoof its
// own identity on the wire (spec section 4.7: "origin on inbound
// messages at the server is authoritative"). On a server-held
// connection with a relay hook installed, Request/Notification/
// Broadcast/Response/ResponseError envelopes are then offered to the
// hook; a hook that reports "handled" short-circuits local decryption
// entirely, since the server never holds the private key that
// ciphertext was sealed against.
func (c *Connection) dispatch(e wire.Envelope) {
	if c.remoteID != "" {
		e.Origin = c.remoteID
	}

	switch e.Kind {
	case wire.KindRequest, wire.KindNotification, wire.KindBroadcast, wire.KindResponse, wire.KindResponseError:
		if c.relayHook != nil && c.relayHook(e) {
			return
		}
	}

	switch e.Kind {
	case wire.KindResponse:
		c.deliverResponse(e.ID, e)
	case wire.KindResponseError:
		c.deliverResponseError(e.ID, e)
	case wire.KindRequest:
		c.dispatchRequest(e)
	case wire.KindNotification:
		c.dispatchNotification(e)
	case wire.KindBroadcast:
		c.dispatchBroadcast(e)
	case wire.KindError:
		plaintext, err := c.decryptEnvelope(e)
		if err != nil {
			c.logger.Debug("connection: dropping undecryptable Error envelope", zap.Error(err))
			return
		}
		c.emitError(errors.New(string(plaintext)))
	default:
		c.logger.Debug("connection: dropping envelope of unknown kind", zap.Uint8("kind", uint8(e.Kind)))
	}
}

func (c *Connection) deliverResponse(id uint64, e wire.Envelope) {
	plaintext, err := c.decryptEnvelope(e)
	c.pendingMu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		return // unknown id, drop per spec 4.4
	}
	p.timer.Stop()
	if err != nil {
		p.resultCh <- pendingResult{err: err}
	} else {
		p.resultCh <- pendingResult{payload: plaintext}
	}
	close(p.resultCh)
}

func (c *Connection) deliverResponseError(id uint64, e wire.Envelope) {
	plaintext, err := c.decryptEnvelope(e)
	c.pendingMu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	p.timer.Stop()
	if err != nil {
		p.resultCh <- pendingResult{err: err}
	} else {
		p.resultCh <- pendingResult{err: &RemoteError{Message: string(plaintext)}}
	}
	close(p.resultCh)
}

func (c *Connection) dispatchRequest(e wire.Envelope) {
	c.handlersMu.RLock()
	handler, ok := c.requestH[e.Method]
	c.handlersMu.RUnlock()
	if !ok {
		c.logger.Debug("connection: no handler for request method, dropping", zap.String("method", e.Method))
		return
	}

	plaintext, err := c.decryptEnvelope(e)
	if err != nil {
		c.logger.Debug("connection: dropping undecryptable request", zap.Error(err))
		return
	}

	result, err := handler(c.baseCtx, e.Origin, plaintext)
	if err != nil {
		c.sendResponseError(c.baseCtx, e.Origin, e.ID, err.Error())
		return
	}
	c.sendResponse(c.baseCtx, e.Origin, e.ID, result)
}

func (c *Connection) dispatchNotification(e wire.Envelope) {
	c.handlersMu.RLock()
	handler, ok := c.notificationH[e.Method]
	c.handlersMu.RUnlock()
	if !ok {
		c.logger.Debug("connection: no handler for notification method, dropping", zap.String("method", e.Method))
		return
	}
	plaintext, err := c.decryptEnvelope(e)
	if err != nil {
		c.logger.Debug("connection: dropping undecryptable notification", zap.Error(err))
		return
	}
	handler(e.Origin, plaintext)
}

func (c *Connection) dispatchBroadcast(e wire.Envelope) {
	c.handlersMu.RLock()
	handler, ok := c.broadcastH[e.Method]
	c.handlersMu.RUnlock()
	if !ok {
		c.logger.Debug("connection: no handler for broadcast method, dropping", zap.String("method", e.Method))
		return
	}
	plaintext, err := c.decryptEnvelope(e)
	if err != nil {
		c.logger.Debug("connection: dropping undecryptable broadcast", zap.Error(err))
		return
	}
	handler(e.Origin, plaintext)
}
