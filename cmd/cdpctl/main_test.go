package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/bobby-ai-dev/manna-protocol/cmd/internal/passphrase"
	"github.com/bobby-ai-dev/manna-protocol/crypto"
	"github.com/bobby-ai-dev/manna-protocol/services/cdpd/apiclient"
	"github.com/bobby-ai-dev/manna-protocol/services/cdpd/journal"
	"github.com/bobby-ai-dev/manna-protocol/services/cdpd/oracle"
)

func TestKeygenAndAddress(t *testing.T) {
	t.Setenv(passphrase.DefaultEnv, "correct horse battery staple")
	path := filepath.Join(t.TempDir(), "keys", "ops.keystore")

	var out bytes.Buffer
	if err := run([]string{"keygen", "--keystore", path}, &out); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if !strings.Contains(out.String(), "Address: manna1") {
		t.Fatalf("unexpected keygen output %q", out.String())
	}

	if err := run([]string{"keygen", "--keystore", path}, io.Discard); err == nil {
		t.Fatalf("expected refusal to overwrite keystore")
	}

	out.Reset()
	if err := run([]string{"address", "--keystore", path}, &out); err != nil {
		t.Fatalf("address: %v", err)
	}
	want, err := crypto.KeystoreAddress(path)
	if err != nil {
		t.Fatalf("keystore address: %v", err)
	}
	if strings.TrimSpace(out.String()) != want.String() {
		t.Fatalf("address mismatch: %q vs %q", out.String(), want.String())
	}
}

func TestCallSignsRequests(t *testing.T) {
	t.Setenv(passphrase.DefaultEnv, "call-pass")
	path := filepath.Join(t.TempDir(), "user.keystore")
	if err := run([]string{"keygen", "--keystore", path}, io.Discard); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	owner, err := crypto.KeystoreAddress(path)
	if err != nil {
		t.Fatalf("keystore address: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts, err := strconv.ParseInt(r.Header.Get(apiclient.HeaderTimestamp), 10, 64)
		if err != nil {
			http.Error(w, "bad timestamp", http.StatusUnauthorized)
			return
		}
		sig, err := hex.DecodeString(r.Header.Get(apiclient.HeaderSignature))
		if err != nil {
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}
		recovered, err := crypto.RecoverAddress(crypto.RequestDigest(r.Method, r.URL.Path, ts, body), sig)
		if err != nil || !recovered.Equal(owner) || r.Header.Get(apiclient.HeaderAddress) != owner.String() {
			http.Error(w, "signature mismatch", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	args := []string{"call", "--keystore", path, "--endpoint", srv.URL, "POST", "/v1/vaults/open", `{"amount":"1000"}`}
	if err := run(args, &out); err != nil {
		t.Fatalf("call: %v", err)
	}
	if strings.TrimSpace(out.String()) != `{"ok":true}` {
		t.Fatalf("unexpected response %q", out.String())
	}

	if err := run([]string{"call", "--endpoint", srv.URL, "POST", "/v1/vaults/open", "{not json"}, io.Discard); err == nil {
		t.Fatalf("expected invalid JSON to be rejected")
	}
}

func TestVerifyAndExport(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "journal.sqlite")
	j, err := journal.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	for _, op := range []string{"open_vault", "borrow", "repay"} {
		if _, err := j.Append(context.Background(), journal.Record{Kind: journal.KindRequest, Op: op, Status: journal.StatusOK}); err != nil {
			t.Fatalf("append %s: %v", op, err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close journal: %v", err)
	}

	var out bytes.Buffer
	if err := run([]string{"verify", "--dsn", dsn}, &out); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out.String(), "Verified 3 entries") {
		t.Fatalf("unexpected verify output %q", out.String())
	}

	target := filepath.Join(dir, "journal.parquet")
	out.Reset()
	if err := run([]string{"export", "--dsn", dsn, "--out", target}, &out); err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out.String(), "Exported 3 entries") {
		t.Fatalf("unexpected export output %q", out.String())
	}
	if info, err := os.Stat(target); err != nil || info.Size() == 0 {
		t.Fatalf("expected parquet file, stat err=%v", err)
	}

	if err := run([]string{"verify"}, io.Discard); err == nil {
		t.Fatalf("expected missing dsn error")
	}
}

func TestWriteFeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sol-usd.feed")
	if err := run([]string{"write-feed", "--out", path, "--price", "187.25"}, io.Discard); err != nil {
		t.Fatalf("write-feed: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read feed: %v", err)
	}
	sample, err := oracle.DecodeFeedRecord(raw)
	if err != nil {
		t.Fatalf("decode feed: %v", err)
	}
	if uint64(sample.Price) != 187_250_000 {
		t.Fatalf("unexpected price %d", sample.Price)
	}

	if err := run([]string{"write-feed", "--out", path, "--price", "-1"}, io.Discard); err == nil {
		t.Fatalf("expected invalid price error")
	}
}

func TestUnknownCommand(t *testing.T) {
	if err := run([]string{"frobnicate"}, io.Discard); err == nil {
		t.Fatalf("expected usage error")
	}
}
