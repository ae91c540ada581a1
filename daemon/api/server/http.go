package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"time"
)

// AuthTokenEnv names the variable holding the optional API token.
const AuthTokenEnv = "VERISYNC_AUTH_TOKEN"

// Handler returns the API routes, guarded by authToken when it is set.
func Handler(impl *DaemonAPIServer, authToken string) http.Handler {
	mux := http.NewServeMux()
	impl.RegisterHTTP(mux)
	if authToken == "" {
		return mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Auth-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(authToken)) != 1 {
			writeJSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing or invalid X-Auth-Token")
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// StartAPIServer serves the API on restAddr until stop is called.
// restAddr: address for REST (e.g., 127.0.0.1:8080)
func StartAPIServer(restAddr string, impl *DaemonAPIServer, authToken string, onError func(error)) (addr string, stop func(context.Context) error, err error) {
	l, err := net.Listen("tcp", restAddr)
	if err != nil {
		return "", nil, err
	}
	server := &http.Server{
		Handler:           Handler(impl, authToken),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) && onError != nil {
			onError(err)
		}
	}()
	return l.Addr().String(), server.Shutdown, nil
}
