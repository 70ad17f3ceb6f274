package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loxone-mcp/gateway/pkg/credentials"
	"github.com/loxone-mcp/gateway/pkg/errs"
)

type fakeProber struct {
	supportsToken bool
	probeErr      error
	basicErr      error
	keyErr        error
	exchangeErr   error
	exchangeCalls int32
	ttl           time.Duration
}

func (f *fakeProber) Probe(context.Context) (bool, string, error) {
	if f.probeErr != nil {
		return false, "", f.probeErr
	}
	return f.supportsToken, "13.0", nil
}

func (f *fakeProber) FetchKey(context.Context, string) (string, string, error) {
	if f.keyErr != nil {
		return "", "", f.keyErr
	}
	return "salt", "key", nil
}

func (f *fakeProber) ExchangeToken(context.Context, credentials.Credentials, string, string) (string, time.Duration, error) {
	atomic.AddInt32(&f.exchangeCalls, 1)
	if f.exchangeErr != nil {
		return "", 0, f.exchangeErr
	}
	ttl := f.ttl
	if ttl == 0 {
		ttl = time.Hour
	}
	return "tok-123", ttl, nil
}

func (f *fakeProber) VerifyBasic(context.Context, credentials.Credentials) error {
	return f.basicErr
}

func testCreds() credentials.Credentials {
	return credentials.Credentials{Username: "admin", Password: "secret"}
}

func TestConnect_TokenPath(t *testing.T) {
	m := New(&fakeProber{supportsToken: true}, testCreds())
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StateAuthenticated, m.State())

	h := http.Header{}
	require.NoError(t, m.AuthorizeRequest(context.Background(), h))
	assert.Equal(t, "Bearer tok-123", h.Get("Authorization"))
}

func TestConnect_BasicPath(t *testing.T) {
	m := New(&fakeProber{supportsToken: false}, testCreds())
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StateAuthenticated, m.State())

	h := http.Header{}
	require.NoError(t, m.AuthorizeRequest(context.Background(), h))
	assert.Equal(t, "Basic YWRtaW46c2VjcmV0", h.Get("Authorization"))
}

func TestConnect_BasicRejected(t *testing.T) {
	m := New(&fakeProber{supportsToken: false, basicErr: errors.New("bad creds")}, testCreds())
	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.AuthRejected, errs.KindOf(err))
	assert.Equal(t, StateFailed, m.State())
}

func TestUnauthorized_SingleRefreshServesAllWaiters(t *testing.T) {
	prober := &fakeProber{supportsToken: true}
	m := New(prober, testCreds())
	require.NoError(t, m.Connect(context.Background()))
	atomic.StoreInt32(&prober.exchangeCalls, 0)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Unauthorized(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&prober.exchangeCalls))
	assert.Equal(t, StateAuthenticated, m.State())
}

func TestUnauthorized_FailsAfterBackoffExhausted(t *testing.T) {
	prober := &fakeProber{supportsToken: true}
	m := New(prober, testCreds())
	// Force into Authenticated once with a working prober, then break it.
	require.NoError(t, m.Connect(context.Background()))
	prober.exchangeErr = errors.New("still rejected")

	err := m.Unauthorized(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.AuthRejected, errs.KindOf(err))
	assert.Equal(t, StateFailed, m.State())
}
