package endpoint

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func testLog() slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
}

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func generateCert(t *testing.T, tmpl, parent *x509.Certificate, pub *ecdsa.PublicKey, signer *ecdsa.PrivateKey) *x509.Certificate {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)

	tmpl.SerialNumber = serialNumber
	tmpl.NotBefore = time.Now()
	tmpl.NotAfter = time.Now().Add(1 * time.Hour)
	tmpl.BasicConstraintsValid = true
	tmpl.IPAddresses = []net.IP{{127, 0, 0, 1}}
	if parent == nil {
		parent = tmpl
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

// generateTLS returns a server and a client configuration signed by the
// same throwaway CA.
func generateTLS(t *testing.T) (server *tls.Config, client *tls.Config) {
	t.Helper()

	caKey := generateKeyPair(t)
	ca := generateCert(t, &x509.Certificate{
		Subject:  pkix.Name{CommonName: "self-signed"},
		KeyUsage: x509.KeyUsageCertSign,
		IsCA:     true,
	}, nil, &caKey.PublicKey, caKey)

	pool := x509.NewCertPool()
	pool.AddCert(ca)

	leaf := func(cn string) tls.Certificate {
		key := generateKeyPair(t)
		cert := generateCert(t, &x509.Certificate{
			Subject:     pkix.Name{CommonName: cn},
			KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
			ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		}, ca, &key.PublicKey, caKey)
		return tls.Certificate{Certificate: [][]byte{cert.Raw}, PrivateKey: key, Leaf: cert}
	}

	server = &tls.Config{
		Certificates: []tls.Certificate{leaf("core")},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		RootCAs:      pool,
	}
	client = &tls.Config{
		Certificates: []tls.Certificate{leaf("child")},
		RootCAs:      pool,
	}
	return server, client
}

// recorder collects the events of one or more Endpoints.
type recorder struct {
	lk     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Event, 256)}
}

func (r *recorder) sink(ev Event) {
	r.lk.Lock()
	r.events = append(r.events, ev)
	r.lk.Unlock()
	select {
	case r.ch <- ev:
	default:
	}
}

// next waits for the next event of kind, skipping the others.
func (r *recorder) next(t *testing.T, kind EventKind) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event received", kind)
			return Event{}
		}
	}
}

func (r *recorder) count(kind EventKind) int {
	r.lk.Lock()
	defer r.lk.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func newTestEndpoint(t *testing.T, cfg Config, rec *recorder) *Endpoint {
	t.Helper()
	ep, err := New(
		cfg,
		WithLog(testLog()),
		WithMetricSink(metrics.NewInmemSink(time.Second, time.Minute)),
		WithEventSink(rec.sink),
	)
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })
	return ep
}

// pipeDriver hands one side of a net.Pipe to the Endpoint and the other one
// to the test.
type pipeDriver struct {
	remote chan net.Conn
}

func newPipeDriver() *pipeDriver {
	return &pipeDriver{remote: make(chan net.Conn, 4)}
}

func (d *pipeDriver) Dial(context.Context) (Conn, error) {
	local, remote := net.Pipe()
	d.remote <- remote
	return newNetConn(local), nil
}

func (d *pipeDriver) Listen(context.Context) (Listener, error) {
	return nil, ErrModeUnsupported
}

// refusingDriver refuses every dial like a closed TCP port would.
type refusingDriver struct {
	lk    sync.Mutex
	dials int
}

func (d *refusingDriver) Dial(context.Context) (Conn, error) {
	d.lk.Lock()
	d.dials++
	d.lk.Unlock()
	return nil, &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
}

func (d *refusingDriver) Listen(context.Context) (Listener, error) {
	return nil, ErrModeUnsupported
}

func (d *refusingDriver) Dials() int {
	d.lk.Lock()
	defer d.lk.Unlock()
	return d.dials
}
