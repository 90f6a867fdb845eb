package execd

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/melbahja/goph"

	"fieldexec/internal/execd/types"
	"fieldexec/internal/remote"
)

// poolKey identifies a reusable connection. The secret is hashed so the key
// never holds credential material.
type poolKey struct {
	host       string
	port       uint
	username   string
	authKind   string
	secretHash uint64
}

func hashSecret(secret string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(strings.TrimSpace(secret)))
	return h.Sum64()
}

func keyFor(target types.Target) poolKey {
	secret := target.Auth.Password
	if target.Auth.Kind == string(remote.AuthKindKey) {
		secret = target.Auth.PrivateKeyPEM
	}
	return poolKey{
		host:       target.Host,
		port:       target.Port,
		username:   target.Username,
		authKind:   target.Auth.Kind,
		secretHash: hashSecret(secret),
	}
}

func toRemoteTarget(target types.Target) remote.Target {
	return remote.Target{
		Host:     target.Host,
		Port:     target.Port,
		Username: target.Username,
		Auth: remote.Auth{
			Kind:          remote.AuthKind(target.Auth.Kind),
			PrivateKeyPEM: target.Auth.PrivateKeyPEM,
			Passphrase:    target.Auth.PrivateKeyPassphrase,
			Password:      target.Auth.Password,
		},
	}
}

// Pool caches SSH connections across requests. Its lifetime is the daemon's;
// clients force-invalidate it with ssh.reset_all.
type Pool struct {
	mu      sync.Mutex
	clients map[poolKey]*goph.Client
}

func NewPool() *Pool {
	return &Pool{clients: make(map[poolKey]*goph.Client)}
}

// GetOrConnect returns a pooled connection for the target, dialing one when
// absent. Dialing happens outside the lock; a racing duplicate is closed.
func (p *Pool) GetOrConnect(target types.Target, connectTimeout time.Duration) (poolKey, *goph.Client, error) {
	key := keyFor(target)

	p.mu.Lock()
	if client, ok := p.clients[key]; ok {
		p.mu.Unlock()
		return key, client, nil
	}
	p.mu.Unlock()

	client, err := remote.Dial(toRemoteTarget(target), connectTimeout)
	if err != nil {
		return key, nil, err
	}

	p.mu.Lock()
	if existing, ok := p.clients[key]; ok {
		p.mu.Unlock()
		client.Close()
		return key, existing, nil
	}
	p.clients[key] = client
	p.mu.Unlock()
	return key, client, nil
}

// Remove evicts and closes the connection under key, if still pooled.
func (p *Pool) Remove(key poolKey) {
	p.mu.Lock()
	client, ok := p.clients[key]
	delete(p.clients, key)
	p.mu.Unlock()
	if ok {
		client.Close()
	}
}

// ClearAll closes every pooled connection and reports how many there were.
func (p *Pool) ClearAll() int {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[poolKey]*goph.Client)
	p.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
	return len(clients)
}

// Len reports the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}
