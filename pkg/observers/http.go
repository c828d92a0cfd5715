package observers

import (
	"context"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/openfroyo/devstate/pkg/engine"
)

// DefaultProbeTimeout bounds a reachability probe.
const DefaultProbeTimeout = 300 * time.Millisecond

// DefaultProbeHost is probed when no host is configured.
const DefaultProbeHost = "127.0.0.1"

// HTTPObserver checks that something accepts TCP connections on the
// configured port. It only connects and closes; no bytes are exchanged.
type HTTPObserver struct {
	timeout time.Duration
	dial    func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewHTTPObserver creates a process.http observer.
func NewHTTPObserver(timeout time.Duration) *HTTPObserver {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	d := &net.Dialer{}
	return &HTTPObserver{timeout: timeout, dial: d.DialContext}
}

// Observe probes host:port.
func (o *HTTPObserver) Observe(ctx context.Context, req engine.ObserveRequest) (engine.Observation, error) {
	host := DefaultProbeHost
	if h, ok := req.Item.Config.GetString("host"); ok {
		host = h
	}

	raw, _ := req.Item.Config.Get("port")
	port, ok := portNumber(raw)
	if !ok {
		evidence := engine.Map{
			"host":   engine.String(host),
			"reason": engine.String("port must be a number between 1 and 65535"),
		}
		if raw != nil {
			evidence["port"] = raw
		} else {
			evidence["port"] = engine.Null{}
		}
		return engine.Observation{Status: engine.StatusUnknown, Evidence: evidence}, nil
	}

	open := o.probe(ctx, host, port)

	status := engine.StatusMissing
	if open {
		status = engine.StatusHealthy
	}
	return engine.Observation{
		Status: status,
		Evidence: engine.Map{
			"host": engine.String(host),
			"port": engine.Int(port),
			"open": engine.Bool(open),
		},
	}, nil
}

// probe reports whether a connection to host:port succeeds within the
// timeout. Timeouts and refusals are both false.
func (o *HTTPObserver) probe(ctx context.Context, host string, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	conn, err := o.dial(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func portNumber(v engine.Value) (int, bool) {
	if v == nil {
		return 0, false
	}
	f, ok := engine.Number(v)
	if !ok || f != math.Trunc(f) || f < 1 || f > 65535 {
		return 0, false
	}
	return int(f), true
}
