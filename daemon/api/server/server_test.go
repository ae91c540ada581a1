package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantarax/verisync/daemon/config"
	"github.com/quantarax/verisync/daemon/service"
	"github.com/quantarax/verisync/daemon/store"
	"github.com/quantarax/verisync/daemon/transport"
	"github.com/quantarax/verisync/internal/hashtree"
	"github.com/quantarax/verisync/internal/identity"
	"github.com/quantarax/verisync/internal/quicutil"
)

func newTestService(t *testing.T) *service.TransferService {
	t.Helper()
	ident, err := identity.Generate()
	require.NoError(t, err)
	svc, err := service.NewTransferService(config.DefaultConfig(), service.Deps{
		Store:    store.NewMemStore(store.RetainOutboard),
		Identity: ident,
	})
	require.NoError(t, err)
	return svc
}

func getJSON(t *testing.T, srv *httptest.Server, path string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestBlobEndpoints(t *testing.T) {
	svc := newTestService(t)
	h, err := store.ImportBytes(svc.Store(), []byte("served over the control api"))
	require.NoError(t, err)
	srv := httptest.NewServer(Handler(NewDaemonAPIServer(svc), ""))
	defer srv.Close()

	var list ListBlobsResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv, "/api/v1/blobs", &list))
	require.Len(t, list.Blobs, 1)
	require.Equal(t, h.String(), list.Blobs[0].Hash)
	require.True(t, list.Blobs[0].Complete)

	require.Equal(t, http.StatusOK, getJSON(t, srv, "/api/v1/blobs?partial=true", &list))
	require.Empty(t, list.Blobs)

	var blob BlobJSON
	require.Equal(t, http.StatusOK, getJSON(t, srv, "/api/v1/blobs/"+h.String(), &blob))
	require.Equal(t, uint64(27), blob.Size)
	require.Equal(t, "0-27", blob.Verified)

	missing, _ := hashtree.Build([]byte("absent"))
	var jerr JSONError
	require.Equal(t, http.StatusNotFound, getJSON(t, srv, "/api/v1/blobs/"+missing.String(), &jerr))
	require.Equal(t, "NOT_FOUND", jerr.Code)

	require.Equal(t, http.StatusBadRequest, getJSON(t, srv, "/api/v1/blobs/not-a-hash", &jerr))
}

func TestIdentityAndTransfers(t *testing.T) {
	svc := newTestService(t)
	srv := httptest.NewServer(Handler(NewDaemonAPIServer(svc), ""))
	defer srv.Close()

	var id GetIdentityResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv, "/api/v1/id", &id))
	require.Equal(t, svc.Identity().ID.String(), id.PeerID)

	var list ListTransfersResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv, "/api/v1/transfers?state=completed", &list))
	require.Zero(t, list.TotalCount)

	var jerr JSONError
	require.Equal(t, http.StatusBadRequest, getJSON(t, srv, "/api/v1/transfers?state=paused", &jerr))
	require.Equal(t, http.StatusNotFound, getJSON(t, srv, "/api/v1/transfer/nope/status", &jerr))
}

func TestAuthToken(t *testing.T) {
	srv := httptest.NewServer(Handler(NewDaemonAPIServer(newTestService(t)), "secret"))
	defer srv.Close()

	require.Equal(t, http.StatusUnauthorized, getJSON(t, srv, "/api/v1/id", nil))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/id", nil)
	require.NoError(t, err)
	req.Header.Set("X-Auth-Token", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFetchRejectsBadBody(t *testing.T) {
	srv := httptest.NewServer(Handler(NewDaemonAPIServer(newTestService(t)), ""))
	defer srv.Close()

	for _, body := range []string{
		`not json`,
		`{"peer_addr":"127.0.0.1:1","hash":"zz"}`,
		`{"hash":"` + strings.Repeat("00", 32) + `"}`,
		`{"peer_addr":"127.0.0.1:1","peer_id":"abc","hash":"` + strings.Repeat("00", 32) + `"}`,
	} {
		resp, err := http.Post(srv.URL+"/api/v1/fetch", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestGCEndpoint(t *testing.T) {
	svc := newTestService(t)
	srv := httptest.NewServer(Handler(NewDaemonAPIServer(svc), ""))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/gc", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var gc GCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&gc))
	require.Empty(t, gc.Blobs)
}

func TestEventsStream(t *testing.T) {
	svc := newTestService(t)
	srv := httptest.NewServer(Handler(NewDaemonAPIServer(svc), ""))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events?hash=abc", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The subscription is registered once the headers are flushed.
	require.Eventually(t, func() bool { return svc.Events().GetSubscriptionCount() == 1 }, time.Second, 10*time.Millisecond)
	svc.Events().PublishCollected("def")
	svc.Events().PublishCollected("abc")

	line, err := bufio.NewReader(resp.Body).ReadBytes('\n')
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(line, []byte("data: ")))
	var ev service.TransferEvent
	require.NoError(t, json.Unmarshal(bytes.TrimPrefix(line, []byte("data: ")), &ev))
	require.Equal(t, "abc", ev.Hash)
	require.Equal(t, "BLOB_COLLECTED", ev.Type)
}

func TestFetchBetweenDaemons(t *testing.T) {
	src := newTestService(t)
	dst := newTestService(t)
	data := bytes.Repeat([]byte("verified streaming "), 5000)
	h, err := store.ImportBytes(src.Store(), data)
	require.NoError(t, err)

	serverTLS, err := quicutil.MakeServerTLSConfig(src.Identity())
	require.NoError(t, err)
	ln, err := transport.ListenQUIC("127.0.0.1:0", serverTLS)
	if err != nil {
		t.Skipf("cannot listen on loopback UDP: %v", err)
	}
	defer ln.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Listen(ctx, ln)

	srv := httptest.NewServer(Handler(NewDaemonAPIServer(dst), ""))
	defer srv.Close()

	body, err := json.Marshal(FetchRequest{
		PeerAddr: ln.Addr(),
		PeerID:   src.Identity().ID.String(),
		Hash:     h.String(),
	})
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/api/v1/fetch", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fr FetchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fr))
	require.Equal(t, "COMPLETED", fr.State)
	require.Equal(t, uint64(len(data)), fr.Size)

	rec, err := dst.Store().Record(h)
	require.NoError(t, err)
	require.True(t, rec.Complete)

	var status GetTransferStatusResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv, "/api/v1/transfer/"+fr.SessionID+"/status", &status))
	require.Equal(t, "COMPLETED", status.State)
	require.Equal(t, "RECEIVE", status.Direction)
}
