// Command gdrive-auth runs the Google OAuth consent flow once and prints the
// refresh token to put in GDRIVE_REFRESH_TOKEN.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"videoflow/internal/config"
	"videoflow/internal/pkg/logger"
	"videoflow/internal/storage"
)

func main() {
	ctx := context.Background()
	log := logger.New(logger.Config{Format: "text", ServiceName: "gdrive-auth", Output: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.LogFatal("failed to load configuration", err)
	}
	if cfg.GDriveClientID == "" || cfg.GDriveClientSecret == "" {
		log.Error("GDRIVE_CLIENT_ID and GDRIVE_CLIENT_SECRET are required")
		os.Exit(1)
	}

	// Local callback on a free port.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.LogFatal("failed to listen for the OAuth callback", err)
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	redirectURL := fmt.Sprintf("http://127.0.0.1:%d/callback", port)
	conf := storage.OAuthConfig(cfg, redirectURL)

	state := randomState()
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", callbackHandler(state, codeCh, errCh))

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()

	// Offline access so Google hands out a refresh token.
	authURL := conf.AuthCodeURL(
		state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)

	fmt.Println("\nOpen this URL in your browser:")
	fmt.Println()
	fmt.Println(authURL)
	fmt.Println("\nWaiting for authorization on:", redirectURL)

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		_ = srv.Close()
		log.LogFatal("authorization failed", err)
	case <-time.After(3 * time.Minute):
		_ = srv.Close()
		log.Error("timed out waiting for authorization")
		os.Exit(1)
	}
	_ = srv.Close()

	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		log.LogFatal("failed to exchange authorization code", err)
	}

	// Google omits the refresh token when the app was already authorized
	// without prompt=consent.
	if strings.TrimSpace(tok.RefreshToken) == "" {
		fmt.Println("\nNo refresh_token was returned.")
		fmt.Println("Revoke the app's access in your Google Account and run this command again:")
		fmt.Println("https://myaccount.google.com/permissions")
		return
	}

	fmt.Println("\nREFRESH TOKEN:")
	fmt.Println()
	fmt.Println(tok.RefreshToken)
}

// callbackHandler accepts exactly the redirect carrying state and forwards
// its authorization code.
func callbackHandler(state string, codeCh chan<- string, errCh chan<- error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "invalid state", http.StatusBadRequest)
			errCh <- fmt.Errorf("invalid state")
			return
		}
		if e := q.Get("error"); e != "" {
			http.Error(w, "auth error: "+e, http.StatusBadRequest)
			errCh <- fmt.Errorf("auth error: %s", e)
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			errCh <- fmt.Errorf("missing code")
			return
		}

		fmt.Fprintln(w, "OK. You can close this window and return to the terminal.")
		codeCh <- code
	}
}

func randomState() string {
	b := make([]byte, 18)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
