package oauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestCallbackServer_ReceivesCallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewCallbackServer(0)
	redirectURI, err := server.Start(ctx)
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer server.Stop()

	if !strings.HasSuffix(redirectURI, "/callback") {
		t.Errorf("redirect URI = %q, want /callback suffix", redirectURI)
	}

	resp, err := http.Get(redirectURI + "?code=auth-code-1&state=state-1")
	if err != nil {
		t.Fatalf("callback GET failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("callback status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "close this window") {
		t.Errorf("confirmation page missing expected text: %s", body)
	}

	result, err := server.WaitForCallback(ctx)
	if err != nil {
		t.Fatalf("WaitForCallback() failed: %v", err)
	}
	if result.Code != "auth-code-1" || result.State != "state-1" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestCallbackServer_ErrorPageIsIndistinguishable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewCallbackServer(0)
	redirectURI, err := server.Start(ctx)
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer server.Stop()

	// An error callback gets the same static page as a success; nothing
	// about the outcome may leak into browser history.
	resp, err := http.Get(redirectURI + "?error=access_denied&error_description=user+said+no")
	if err != nil {
		t.Fatalf("callback GET failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("error callback status = %d, want 200", resp.StatusCode)
	}
	if string(body) != callbackPageHTML {
		t.Error("error callback page differs from the static confirmation page")
	}

	result, err := server.WaitForCallback(ctx)
	if err != nil {
		t.Fatalf("WaitForCallback() failed: %v", err)
	}
	if !result.IsError() || result.Error != "access_denied" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestCallbackServer_SecondCallbackRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewCallbackServer(0)
	redirectURI, err := server.Start(ctx)
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer server.Stop()

	resp, err := http.Get(redirectURI + "?code=first&state=s")
	if err != nil {
		t.Fatalf("first callback failed: %v", err)
	}
	resp.Body.Close()

	resp2, err := http.Get(redirectURI + "?code=second&state=s")
	if err != nil {
		// The server may already be shutting down; that is an acceptable
		// way to refuse a second callback.
		return
	}
	defer resp2.Body.Close()
	if resp2.StatusCode == http.StatusOK {
		t.Error("second callback was accepted")
	}
}

func TestCallbackServer_RejectsPost(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewCallbackServer(0)
	redirectURI, err := server.Start(ctx)
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer server.Stop()

	resp, err := http.Post(redirectURI, "text/plain", strings.NewReader("code=x"))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", resp.StatusCode)
	}
}

func TestCallbackServer_WaitTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewCallbackServer(0)
	if _, err := server.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer server.Stop()

	waitCtx, waitCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer waitCancel()

	_, err := server.WaitForCallback(waitCtx)
	if err == nil {
		t.Fatal("WaitForCallback() returned without a callback")
	}
}

func TestCallbackServer_EphemeralPort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewCallbackServer(0)
	redirectURI, err := server.Start(ctx)
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer server.Stop()

	if server.Port() == 0 {
		t.Error("ephemeral port not resolved")
	}
	want := fmt.Sprintf("http://localhost:%d/callback", server.Port())
	if redirectURI != want {
		t.Errorf("redirect URI = %q, want %q", redirectURI, want)
	}
}
