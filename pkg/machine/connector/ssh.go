package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/zkrx/tbot/pkg/channel"
	"github.com/zkrx/tbot/pkg/log"
	"github.com/zkrx/tbot/pkg/machine/linux"
)

// SSHConfig describes how to reach a lab host over SSH.
type SSHConfig struct {
	Name     string
	Hostname string
	Port     int
	Username string
	Password string
	KeyFile  string
	Shell    linux.Shell
	Timeout  time.Duration
	// HostKeyCallback defaults to ~/.ssh/known_hosts, accepting hosts that
	// are not listed yet.
	HostKeyCallback ssh.HostKeyCallback
}

func (c SSHConfig) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Hostname, strconv.Itoa(port))
}

func (c SSHConfig) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if c.KeyFile != "" {
		key, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parsing key %s: %w", c.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("no ssh authentication configured (password or key_file)")
	}

	hostKey := c.HostKeyCallback
	if hostKey == nil {
		hostKey = acceptUnknownHosts()
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &ssh.ClientConfig{
		User:            c.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

// acceptUnknownHosts checks known_hosts but lets unknown hosts through
// without recording them.  Only a changed key is an error.
func acceptUnknownHosts() ssh.HostKeyCallback {
	home, err := os.UserHomeDir()
	if err != nil {
		return ssh.InsecureIgnoreHostKey()
	}
	known, err := knownhosts.New(filepath.Join(home, ".ssh", "known_hosts"))
	if err != nil {
		return ssh.InsecureIgnoreHostKey()
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := known(hostname, remote, key)
		var ke *knownhosts.KeyError
		if errors.As(err, &ke) && len(ke.Want) == 0 {
			return nil
		}
		return err
	}
}

// Pool reuses SSH clients per address.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{clients: make(map[string]*ssh.Client)}
}

// DefaultPool is used by SSH.
var DefaultPool = NewPool()

// keepaliveTimeout bounds the liveness check of a pooled client.
var keepaliveTimeout = 5 * time.Second

// Get returns a live client for addr, dialing a new one if needed.  The pool
// is not locked while checking or dialing.
func (p *Pool) Get(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	key := cfg.User + "@" + addr

	p.mu.Lock()
	c, ok := p.clients[key]
	p.mu.Unlock()
	if ok {
		if alive(c, keepaliveTimeout) {
			return c, nil
		}
		p.mu.Lock()
		if p.clients[key] == c {
			delete(p.clients, key)
		}
		p.mu.Unlock()
		_ = c.Close()
	}

	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c = ssh.NewClient(sc, chans, reqs)

	p.mu.Lock()
	defer p.mu.Unlock()
	if other, ok := p.clients[key]; ok {
		// dialed concurrently
		_ = c.Close()
		return other, nil
	}
	p.clients[key] = c
	return c, nil
}

// alive sends a keepalive and waits at most timeout for the answer.
func alive(c *ssh.Client, timeout time.Duration) bool {
	res := make(chan error, 1)
	go func() {
		_, _, err := c.SendRequest("keepalive@openssh.com", true, nil)
		res <- err
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-res:
		return err == nil
	case <-t.C:
		return false
	}
}

// Close closes all pooled clients.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for k, c := range p.clients {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
		delete(p.clients, k)
	}
	return first
}

// SSH connects to a lab host over SSH using DefaultPool.
func SSH(ctx context.Context, cfg SSHConfig, opts ...linux.Option) (*Lab, error) {
	return DefaultPool.Lab(ctx, cfg, opts...)
}

// Lab connects to a lab host over SSH using clients from p.
func (p *Pool) Lab(ctx context.Context, cfg SSHConfig, opts ...linux.Option) (*Lab, error) {
	cc, err := cfg.clientConfig()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Name, err)
	}
	shell := cfg.Shell
	if shell == nil {
		shell = linux.Bash
	}

	l := log.WithComponent("ssh")
	l.Debug().Str("host", cfg.addr()).Str("user", cfg.Username).Msg("connecting")

	open := func(name string) (*channel.Channel, error) {
		client, err := p.Get(ctx, cfg.addr(), cc)
		if err != nil {
			return nil, fmt.Errorf("%s: ssh %s: %w", name, cfg.addr(), err)
		}
		return channel.SSH(name, client)
	}

	ch, err := open(cfg.Name)
	if err != nil {
		return nil, err
	}
	m, err := linux.New(ctx, cfg.Name, ch, shell, append(opts, linux.OwnChannel())...)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &Lab{Machine: m, open: open}, nil
}
