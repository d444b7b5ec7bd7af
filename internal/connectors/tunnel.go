package connectors

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DialFunc opens a connection to the tunnel's target through the executor.
type DialFunc func() (net.Conn, error)

// Tunnel is a live local listener that forwards connections to a port on the target host.
type Tunnel struct {
	LocalPort  int
	RemoteHost string
	RemotePort int

	ln   net.Listener
	dial DialFunc

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// ListenLocal binds a loopback listener. Port 0 lets the kernel pick a free port.
func ListenLocal(port int) (net.Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("%w: listen on local port %d: %v", ErrPortBind, port, err)
	}
	return ln, nil
}

// NewTunnel starts forwarding connections accepted on ln through dial.
func NewTunnel(ln net.Listener, remoteHost string, remotePort int, dial DialFunc) *Tunnel {
	t := &Tunnel{
		LocalPort:  ln.Addr().(*net.TCPAddr).Port,
		RemoteHost: remoteHost,
		RemotePort: remotePort,
		ln:         ln,
		dial:       dial,
		conns:      make(map[net.Conn]struct{}),
		done:       make(chan struct{}),
	}
	t.wg.Add(1)
	go t.acceptLoop()
	return t
}

// LocalAddr returns host:port of the local end.
func (t *Tunnel) LocalAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(t.LocalPort))
}

// Done is closed when the tunnel stops accepting connections.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// Close stops the listener and tears down every forwarded connection.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	err := t.ln.Close()
	for c := range t.conns {
		c.Close()
	}
	t.mu.Unlock()

	t.wg.Wait()
	return err
}

func (t *Tunnel) acceptLoop() {
	defer t.wg.Done()
	defer close(t.done)

	for {
		local, err := t.ln.Accept()
		if err != nil {
			return
		}
		if !t.track(local) {
			local.Close()
			return
		}
		t.wg.Add(1)
		go t.forward(local)
	}
}

func (t *Tunnel) track(c net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[c] = struct{}{}
	return true
}

func (t *Tunnel) untrack(c net.Conn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}

func (t *Tunnel) forward(local net.Conn) {
	defer t.wg.Done()
	defer t.untrack(local)
	defer local.Close()

	remote, err := t.dial()
	if err != nil {
		return
	}
	if !t.track(remote) {
		remote.Close()
		return
	}
	defer t.untrack(remote)

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			local.Close()
			remote.Close()
		})
	}

	var g errgroup.Group
	g.Go(func() error {
		defer closeBoth()
		_, err := io.Copy(remote, local)
		return err
	})
	g.Go(func() error {
		defer closeBoth()
		_, err := io.Copy(local, remote)
		return err
	})
	_ = g.Wait()
}
