package oauth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// AuthorizationFlow abstracts the browser handoff that produces an
// authorization code, so the exchange logic is testable without a real
// browser. Begin also reports the redirect URI the code was obtained
// with, because the token request must carry the same one.
type AuthorizationFlow interface {
	Begin(ctx context.Context) (code, redirectURL string, err error)
}

// AuthTimeout is the hard limit on a pending authorization. After it the
// connection attempt is treated as failed.
const AuthTimeout = 5 * time.Minute

// LocalServerFlow runs a loopback HTTP server to receive the OAuth
// redirect, announces the consent URL, and waits for the code.
type LocalServerFlow struct {
	Client  *Client
	Timeout time.Duration
	// Announce receives the consent URL the user must visit. Defaults to
	// printing to stdout.
	Announce func(authURL string)
	Log      *zap.Logger
}

// Begin starts the loopback server, announces the consent URL and blocks
// until a code arrives, the user denies consent, or the timeout elapses.
// The state parameter on the redirect must match the one issued with the
// consent URL.
func (f *LocalServerFlow) Begin(ctx context.Context) (string, string, error) {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = AuthTimeout
	}
	log := f.Log
	if log == nil {
		log = zap.NewNop()
	}

	// Try port 8080 first, fall back to a random port if unavailable.
	listener, err := net.Listen("tcp", "127.0.0.1:8080")
	if err != nil {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return "", "", fmt.Errorf("failed to start local server: %w", err)
		}
	}
	redirectURL := fmt.Sprintf("http://127.0.0.1:%d", listener.Addr().(*net.TCPAddr).Port)

	authURL, state := f.Client.AuthorizationURLWithRedirect(redirectURL, "")

	codeChan := make(chan string, 1)
	errorChan := make(chan error, 1)

	server := &http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  10 * time.Second,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("state"); got != state {
			fmt.Fprintf(w, "<html><body><h1>Authorization failed</h1><p>State mismatch.</p></body></html>")
			errorChan <- fmt.Errorf("state mismatch on redirect")
			return
		}
		code := r.URL.Query().Get("code")
		if code != "" {
			fmt.Fprintf(w, "<html><body><h1>Authorization successful!</h1><p>You can close this window.</p></body></html>")
			codeChan <- code
		} else if errMsg := r.URL.Query().Get("error"); errMsg != "" {
			fmt.Fprintf(w, "<html><body><h1>Authorization failed</h1><p>Error: %s</p></body></html>", errMsg)
			errorChan <- fmt.Errorf("authorization error: %s", errMsg)
		} else {
			fmt.Fprintf(w, "<html><body><h1>No authorization code received</h1></body></html>")
			errorChan <- fmt.Errorf("no authorization code received")
		}
		go func() {
			time.Sleep(1 * time.Second)
			server.Shutdown(context.Background())
		}()
	})
	server.Handler = mux

	go func() {
		if serr := server.Serve(listener); serr != nil && serr != http.ErrServerClosed {
			errorChan <- fmt.Errorf("server error: %w", serr)
		}
	}()
	defer server.Shutdown(context.Background())

	if f.Announce != nil {
		f.Announce(authURL)
	} else {
		fmt.Println("Please visit the following URL to authorize the application:")
		fmt.Println(authURL)
	}
	log.Debug("waiting for authorization redirect", zap.String("redirect", redirectURL))

	select {
	case code := <-codeChan:
		return code, redirectURL, nil
	case err := <-errorChan:
		return "", "", err
	case <-ctx.Done():
		return "", "", ctx.Err()
	case <-time.After(timeout):
		return "", "", fmt.Errorf("authorization timeout: no response received within %s", timeout)
	}
}

// Connect runs the flow end to end: obtain a code, exchange it against the
// redirect URI the flow actually used, persist the resulting credentials.
func Connect(ctx context.Context, client *Client, flow AuthorizationFlow) error {
	code, redirectURL, err := flow.Begin(ctx)
	if err != nil {
		return err
	}
	if _, err := client.ExchangeCode(ctx, code, redirectURL); err != nil {
		return err
	}
	return nil
}
