package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCheckServer(t *testing.T) {
	t.Run("decodes status.php", func(t *testing.T) {
		c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/status.php" {
				t.Errorf("path = %q", r.URL.Path)
			}
			io.WriteString(w, `{"installed":true,"version":"10.15.0.4","versionstring":"10.15.0","edition":"Community"}`)
		}))

		status, err := c.CheckServer(context.Background(), srv.URL)
		if err != nil {
			t.Fatalf("CheckServer() error = %v", err)
		}
		if !status.Installed || status.VersionString != "10.15.0" {
			t.Errorf("status = %+v", status)
		}
		if status.URL != srv.URL+"/status.php" {
			t.Errorf("final url = %q", status.URL)
		}
	})

	t.Run("follows a relocation", func(t *testing.T) {
		c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/status.php":
				http.Redirect(w, r, "/moved/status.php", http.StatusMovedPermanently)
			case "/moved/status.php":
				io.WriteString(w, `{"installed":true}`)
			default:
				http.NotFound(w, r)
			}
		}))

		status, err := c.CheckServer(context.Background(), srv.URL)
		if err != nil {
			t.Fatalf("CheckServer() error = %v", err)
		}
		if !strings.HasSuffix(status.URL, "/moved/status.php") {
			t.Errorf("final url = %q", status.URL)
		}
	})

	t.Run("detects a redirect loop", func(t *testing.T) {
		c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, r.URL.Path, http.StatusFound)
		}))

		_, err := c.CheckServer(context.Background(), srv.URL)
		if err == nil || !strings.Contains(err.Error(), "loop") {
			t.Fatalf("error = %v, want redirect loop", err)
		}
	})

	t.Run("caps the redirect chain", func(t *testing.T) {
		hops := 0
		c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hops++
			http.Redirect(w, r, fmt.Sprintf("/hop%d", hops), http.StatusFound)
		}))

		_, err := c.CheckServer(context.Background(), srv.URL)
		if err == nil || !strings.Contains(err.Error(), "too many redirects") {
			t.Fatalf("error = %v, want redirect cap", err)
		}
		if hops > maxRedirects {
			t.Errorf("made %d hops, cap is %d", hops, maxRedirects)
		}
	})

	t.Run("refuses a downgrade to http", func(t *testing.T) {
		plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"installed":true}`)
		}))
		defer plain.Close()
		secure := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, plain.URL+"/status.php", http.StatusFound)
		}))
		defer secure.Close()

		c, err := NewClient(secure.URL+"/remote.php/webdav/", "user", "secret", Options{})
		if err != nil {
			t.Fatalf("NewClient() error = %v", err)
		}
		c.httpClient.Transport = secure.Client().Transport

		_, err = c.CheckServer(context.Background(), secure.URL)
		if err == nil || !strings.Contains(err.Error(), "insecure") {
			t.Fatalf("error = %v, want downgrade refusal", err)
		}
	})
}
