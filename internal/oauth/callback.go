package oauth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/tskulbru/kvile/internal/errdef"
)

const defaultCallbackPath = "/callback"

var launchBrowser = openBrowser

// prepareRedirect binds the loopback listener named by the redirect URL.
// A URL without a port listens on 8080.
func prepareRedirect(raw string) (*url.URL, net.Listener, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, nil, errdef.Wrap(errdef.CodeAuth, err, "parse redirect url")
	}
	if u.Scheme != "http" {
		return nil, nil, errdef.New(errdef.CodeAuth, "redirect url must use http, got %q", raw)
	}
	host := u.Hostname()
	if host == "" {
		host = "127.0.0.1"
	}
	if !isLoopback(host) {
		return nil, nil, errdef.New(errdef.CodeAuth, "redirect url host must be loopback")
	}
	port := u.Port()
	if port == "" {
		port = defaultCallbackPort
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, nil, errdef.Wrap(errdef.CodeAuth, err, "listen for oidc redirect")
	}
	if u.Path == "" {
		u.Path = defaultCallbackPath
	}
	return u, ln, nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

type codeServer struct {
	path   string
	state  string
	codeCh chan string
	errCh  chan error
	srv    *http.Server
	once   sync.Once
}

func newCodeServer(redirect *url.URL, state string) *codeServer {
	path := redirect.Path
	if path == "" {
		path = defaultCallbackPath
	}
	return &codeServer{
		path:   path,
		state:  state,
		codeCh: make(chan string, 1),
		errCh:  make(chan error, 1),
	}
}

func (s *codeServer) serve(ln net.Listener) {
	handler := http.NewServeMux()
	handler.HandleFunc("/", s.handle)

	s.srv = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.fail(err)
		}
	}()
}

func (s *codeServer) shutdown(ctx context.Context) {
	s.once.Do(func() {
		if s.srv != nil {
			_ = s.srv.Shutdown(ctx)
		}
	})
}

func (s *codeServer) wait(ctx context.Context) (string, error) {
	defer s.shutdown(context.Background())
	select {
	case code := <-s.codeCh:
		return code, nil
	case err := <-s.errCh:
		return "", err
	case <-ctx.Done():
		return "", errdef.Wrap(errdef.CodeAuth, ctx.Err(), "waiting for authorization")
	}
}

func (s *codeServer) fail(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *codeServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.path {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	if errText := strings.TrimSpace(q.Get("error")); errText != "" {
		if desc := strings.TrimSpace(q.Get("error_description")); desc != "" {
			errText += ": " + desc
		}
		http.Error(w, "authorization failed", http.StatusBadRequest)
		s.fail(errdef.New(errdef.CodeAuth, "authorization failed: %s", errText))
		return
	}

	gotState := strings.TrimSpace(q.Get("state"))
	if s.state != "" && s.state != gotState {
		http.Error(w, "state mismatch", http.StatusBadRequest)
		s.fail(errdef.New(errdef.CodeAuth, "state mismatch in authorization callback"))
		return
	}

	code := strings.TrimSpace(q.Get("code"))
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		s.fail(errdef.New(errdef.CodeAuth, "authorization response missing code"))
		return
	}

	select {
	case s.codeCh <- code:
	default:
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(
		[]byte(
			"<html><body><p>Login complete. You can close this window.</p></body></html>",
		),
	)
}

func openBrowser(link string) error {
	cmd := browserCommand(link)
	if cmd == nil {
		return errdef.New(errdef.CodeAuth, "unsupported platform for browser launch")
	}
	return cmd.Start()
}

func browserCommand(link string) *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", link)
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", link)
	default:
		return exec.Command("xdg-open", link)
	}
}
