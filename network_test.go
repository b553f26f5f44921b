package shane

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	d := newFakeIRCd(t)
	n := startNetwork(t, testConfig(), testNetworkConfig(d), WithMetrics(m))
	c := d.accept()
	c.expectHandshake("shanebot", "#go")

	c.send(":srv 001 shanebot :Welcome")
	c.sync()
	login(t, n.hub, "alice")

	bad := dialHub(t, n.hub)
	bad.skipBanner()
	bad.send("PASSWORD wrong")
	bad.expect(":irc.test 372 default Wrong password! Please try again!")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.upstreamLines.WithLabelValues("test")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.clients.WithLabelValues("test")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authFailures.WithLabelValues("test")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.replayLines.WithLabelValues("test")))
	assert.Zero(t, testutil.ToFloat64(m.reconnects.WithLabelValues("test")))

	count, err := testutil.GatherAndCount(reg, "shane_clients_connected")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNetworkStats(t *testing.T) {
	d := newFakeIRCd(t)
	n := startNetwork(t, testConfig(), testNetworkConfig(d))
	c := d.accept()
	c.expectHandshake("shanebot", "#go")

	c.send(":srv 001 shanebot :Welcome")
	c.sync()
	bob := login(t, n.hub, "bob")
	login(t, n.hub, "alice")
	bob.quit(n.hub)

	st := n.Stats()
	assert.Equal(t, "test", st.Name)
	assert.Equal(t, n.Addr().String(), st.Addr)
	assert.True(t, st.Connected)
	assert.Equal(t, []string{"alice"}, st.Clients)
	assert.Equal(t, 1, st.ReplayLines)
	assert.Equal(t, map[string]int{"alice": 0, "bob": 0}, st.Queued)
}

func TestNetworkContextCancel(t *testing.T) {
	d := newFakeIRCd(t)
	n, err := NewNetwork(testConfig(), testNetworkConfig(d), WithLogger(testLogger(t)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- n.Run(ctx) }()

	c := d.accept()
	c.expectHandshake("shanebot", "#go")
	require.NotNil(t, n.Addr())

	cancel()
	c.expect(quitMessage)
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("Run did not return")
	}
}

func TestNetworkListenError(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	nc := DefaultNetworkConfig("test")
	nc.Host = "127.0.0.1"
	nc.Nick = "shanebot"
	nc.BouncerHost = "127.0.0.1"
	nc.BouncerPort = taken.Addr().(*net.TCPAddr).Port
	n, err := NewNetwork(testConfig(), nc, WithLogger(testLogger(t)))
	require.NoError(t, err)
	assert.Error(t, n.Run(context.Background()))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNetworkLogPrefix(t *testing.T) {
	var buf lockedBuffer
	logger := log.New(&buf, "[shane] ", 0)
	d := newFakeIRCd(t)
	startNetwork(t, testConfig(), testNetworkConfig(d), WithLogger(logger))
	d.accept().expectHandshake("shanebot", "#go")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "[shane] [test] "), line)
	}
}

// writeTestCert writes a self-signed certificate and key for 127.0.0.1.
func writeTestCert(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "shane test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certPath, keyPath
}

func TestNetworkBouncerTLS(t *testing.T) {
	certPath, keyPath := writeTestCert(t)
	cfg := testConfig()
	cfg.BouncerTLS = true
	cfg.BouncerTLSCert = certPath
	cfg.BouncerTLSKey = keyPath

	d := newFakeIRCd(t)
	n := startNetwork(t, cfg, testNetworkConfig(d))
	d.accept().expectHandshake("shanebot", "#go")

	conn, err := tls.Dial("tcp", n.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(testTimeout))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ":irc.test 001 newClient Hello! Welcome to Shane!\r\n", line)
}
