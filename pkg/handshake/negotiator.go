// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/commserver/pkg/errors"
	"github.com/absmach/commserver/pkg/payload"
)

// SessionKeySize is the number of random bytes in a secure session key.
const SessionKeySize = 32

// Policy is the server configuration a negotiator runs against.
type Policy struct {
	// Passphrase is the static passphrase clients must present.
	Passphrase string

	// SecureSession issues a per-client session key on success.
	SecureSession bool

	// Encryption and Compression are applied to the hello frames
	// using the static passphrase.
	Encryption  payload.CipherStrength
	Compression payload.CompressionStrength

	// Timeout bounds the wait for the client hello.
	Timeout time.Duration

	// ServerID is echoed to the client in the server hello.
	ServerID string
}

// Negotiator drives the handshake of one pending client.
type Negotiator struct {
	policy Policy

	mu         sync.Mutex
	state      State
	timer      *time.Timer
	sessionKey string
	clientName string
}

// New creates a negotiator in the Idle state.
func New(p Policy) *Negotiator {
	return &Negotiator{policy: p}
}

// Begin moves the negotiator to AwaitingClientHandshake and arms the
// timeout. onTimeout runs at most once, and only if no hello was
// evaluated and Cancel was not called before the timeout elapsed.
func (n *Negotiator) Begin(onTimeout func()) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != Idle {
		return fmt.Errorf("%w: begin in state %s", errors.ErrHandshakeState, n.state)
	}
	n.state = AwaitingClientHandshake
	n.timer = time.AfterFunc(n.policy.Timeout, func() {
		n.mu.Lock()
		if n.state != AwaitingClientHandshake {
			n.mu.Unlock()
			return
		}
		n.state = HandshakeTimedOut
		n.mu.Unlock()

		if onTimeout != nil {
			onTimeout()
		}
	})
	return nil
}

// Evaluate processes the client hello frame and returns the prepared
// server hello to send back. A reply is returned on mismatch too so the
// client learns why it is being disconnected.
func (n *Negotiator) Evaluate(frame []byte) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != AwaitingClientHandshake {
		return nil, fmt.Errorf("%w: evaluate in state %s", errors.ErrHandshakeState, n.state)
	}
	n.stopTimer()

	raw, err := payload.RestoreInbound(frame, 0, len(frame), n.policy.Compression, n.policy.Encryption, n.policy.Passphrase)
	if err != nil {
		return n.fail(StatusMalformed, err)
	}
	ch, err := DecodeClientHello(raw)
	if err != nil {
		return n.fail(StatusMalformed, err)
	}
	if ch.Version != ProtocolVersion {
		return n.fail(StatusMismatch, fmt.Errorf("unsupported handshake version %d", ch.Version))
	}
	if subtle.ConstantTimeCompare([]byte(ch.Passphrase), []byte(n.policy.Passphrase)) != 1 {
		return n.fail(StatusMismatch, fmt.Errorf("passphrase rejected"))
	}

	sh := &ServerHello{Status: StatusOK, ServerID: n.policy.ServerID}
	if n.policy.SecureSession {
		key, err := newSessionKey()
		if err != nil {
			return n.fail(StatusMalformed, err)
		}
		sh.SessionKey = key
	}

	reply, err := n.prepare(sh)
	if err != nil {
		n.state = HandshakeFailed
		return nil, err
	}
	n.state = Authenticated
	n.sessionKey = sh.SessionKey
	n.clientName = ch.ClientName
	return reply, nil
}

// Reject turns an authenticated negotiator into a failed one and returns a
// ServerBusy reply. It is used when the client cannot be admitted after
// handshaking, for example because the server filled up meanwhile.
func (n *Negotiator) Reject() ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.stopTimer()
	n.state = HandshakeFailed
	n.sessionKey = ""
	return n.prepare(&ServerHello{Status: StatusServerBusy, ServerID: n.policy.ServerID})
}

// Cancel stops the timeout. A negotiator still awaiting the client hello
// moves to HandshakeFailed.
func (n *Negotiator) Cancel() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.stopTimer()
	if n.state == AwaitingClientHandshake || n.state == Idle {
		n.state = HandshakeFailed
	}
}

// State returns the current handshake state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// SessionKey returns the negotiated session key, empty unless the
// handshake succeeded with secure sessions enabled.
func (n *Negotiator) SessionKey() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessionKey
}

// ClientName returns the name the client announced in its hello.
func (n *Negotiator) ClientName() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.clientName
}

func (n *Negotiator) fail(status HelloStatus, cause error) ([]byte, error) {
	n.state = HandshakeFailed
	reply, err := n.prepare(&ServerHello{Status: status, ServerID: n.policy.ServerID})
	if err != nil {
		reply = nil
	}
	return reply, fmt.Errorf("%w: %w", errors.ErrHandshakeMismatch, cause)
}

func (n *Negotiator) prepare(sh *ServerHello) ([]byte, error) {
	data := EncodeServerHello(sh)
	return payload.PrepareOutbound(data, 0, len(data), n.policy.Compression, n.policy.Encryption, n.policy.Passphrase)
}

func (n *Negotiator) stopTimer() {
	if n.timer != nil {
		n.timer.Stop()
	}
}

func newSessionKey() (string, error) {
	key := make([]byte, SessionKeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("session key gen fail: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// NewClientHello builds the prepared hello frame a client sends to a
// server running with the given policy.
func NewClientHello(passphrase, name string, p Policy) ([]byte, error) {
	data := EncodeClientHello(&ClientHello{
		Version:    ProtocolVersion,
		ClientName: name,
		Passphrase: passphrase,
	})
	return payload.PrepareOutbound(data, 0, len(data), p.Compression, p.Encryption, p.Passphrase)
}

// ReadServerHello restores and decodes a server hello frame.
func ReadServerHello(frame []byte, p Policy) (*ServerHello, error) {
	raw, err := payload.RestoreInbound(frame, 0, len(frame), p.Compression, p.Encryption, p.Passphrase)
	if err != nil {
		return nil, err
	}
	return DecodeServerHello(raw)
}
