package google

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// CodeReceiver serves a loopback redirect URL and captures the authorization
// code the provider sends to it.
type CodeReceiver struct {
	redirect *url.URL
	server   *http.Server
	results  chan callbackResult
}

type callbackResult struct {
	code string
	err  error
}

// NewCodeReceiver starts listening on the host of redirectURL, which must be
// a loopback http address. Port 0 picks a free port; RedirectURL reports the
// address actually bound. Responses whose state differs from state are
// rejected.
func NewCodeReceiver(redirectURL, state string) (*CodeReceiver, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect url: %w", err)
	}
	if u.Scheme != "http" || !isLoopback(u.Hostname()) {
		return nil, fmt.Errorf("redirect url %q is not a loopback http address", redirectURL)
	}

	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for the oauth redirect: %w", err)
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	u.Host = net.JoinHostPort(u.Hostname(), port)
	if u.Path == "" {
		u.Path = "/"
	}

	r := &CodeReceiver{redirect: u, results: make(chan callbackResult, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc(u.Path, r.handle(state))
	r.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = r.server.Serve(ln) }()
	return r, nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// RedirectURL is the URL to register in the authorization request.
func (r *CodeReceiver) RedirectURL() string {
	return r.redirect.String()
}

func (r *CodeReceiver) handle(state string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		var res callbackResult
		switch {
		case q.Get("error") != "":
			res.err = fmt.Errorf("authorization denied: %s", q.Get("error"))
		case q.Get("state") != state:
			res.err = errors.New("authorization response has an unexpected state")
		case q.Get("code") == "":
			res.err = errors.New("authorization response has no code")
		default:
			res.code = q.Get("code")
		}

		if res.err != nil {
			http.Error(w, res.err.Error(), http.StatusBadRequest)
		} else {
			fmt.Fprintln(w, "Authorization received. You can close this window.")
		}
		// only the first response counts
		select {
		case r.results <- res:
		default:
		}
	}
}

// Wait blocks until the redirect arrives or ctx is done.
func (r *CodeReceiver) Wait(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-r.results:
		return res.code, res.err
	}
}

// Close stops the listener.
func (r *CodeReceiver) Close() error {
	return r.server.Close()
}
