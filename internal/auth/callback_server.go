package auth

import (
	"context"
	"fmt"
	"html"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"marksync/internal/config"
)

const callbackTimeout = 5 * time.Minute

// CallbackHandler receives the outcome of a finished browser flow.
type CallbackHandler func(result *AuthResult)

// CallbackServer is the loopback HTTP endpoint the provider redirects to
// after the user authorizes in the browser.
type CallbackServer struct {
	mu      sync.Mutex
	session *Session
	server  *http.Server
	port    int
	handler CallbackHandler
}

func NewCallbackServer(session *Session) *CallbackServer {
	return &CallbackServer{session: session}
}

// Start binds the loopback listener and returns the callback URL. If the
// preferred port is taken an ephemeral one is used instead. The server
// shuts itself down when no callback arrives within the timeout.
func (c *CallbackServer) Start(handler CallbackHandler) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.server != nil {
		return c.callbackURL(), nil
	}
	c.handler = handler

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", c.handleCallback)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(config.AppName + " Authentication Server"))
	})

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", config.DefaultCallbackPort))
	if err != nil {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return "", fmt.Errorf("failed to start callback server: %w", err)
		}
	}

	c.port = listener.Addr().(*net.TCPAddr).Port
	c.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("[AUTH] Callback server error: %v", err)
		}
	}(c.server)

	go func() {
		time.Sleep(callbackTimeout)
		c.Stop()
	}()

	url := c.callbackURL()
	log.Printf("[AUTH] Callback server started at %s", url)
	return url, nil
}

// Stop shuts the listener down. Safe to call when not running.
func (c *CallbackServer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.server.Shutdown(ctx)
	c.server = nil
	c.port = 0
	log.Println("[AUTH] Callback server stopped")
}

func (c *CallbackServer) callbackURL() string {
	port := c.port
	if port == 0 {
		port = config.DefaultCallbackPort
	}
	return fmt.Sprintf("http://127.0.0.1:%d/callback", port)
}

func (c *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	identity, err := c.session.HandleCallback(r.Context(), r.URL.Query())

	result := &AuthResult{Success: err == nil, Identity: identity}
	if err != nil {
		result.Error = err.Error()
	}

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(result)
	}

	w.Header().Set("Content-Type", "text/html")
	if result.Success {
		fmt.Fprintf(w, successPage, config.AppName)
	} else {
		fmt.Fprintf(w, failurePage, html.EscapeString(result.Error), config.AppName)
	}

	// One callback per flow; release the port shortly after responding.
	go func() {
		time.Sleep(2 * time.Second)
		c.Stop()
	}()
}

const successPage = `<!DOCTYPE html>
<html>
<head><title>Login Successful</title></head>
<body style="font-family: system-ui; display: flex; justify-content: center; align-items: center; height: 100vh; margin: 0; background: #1a1a24; color: white;">
<div style="text-align: center;">
<h1>&#10003; Signed in</h1>
<p>You can close this window and return to %s.</p>
</div>
</body>
</html>`

const failurePage = `<!DOCTYPE html>
<html>
<head><title>Login Failed</title></head>
<body style="font-family: system-ui; display: flex; justify-content: center; align-items: center; height: 100vh; margin: 0; background: #1a1a24; color: white;">
<div style="text-align: center;">
<h1>&#10007; Sign-in failed</h1>
<p>%s</p>
<p>You can close this window and return to %s.</p>
</div>
</body>
</html>`
