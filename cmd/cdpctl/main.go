package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bobby-ai-dev/manna-protocol/cmd/internal/passphrase"
	"github.com/bobby-ai-dev/manna-protocol/crypto"
	"github.com/bobby-ai-dev/manna-protocol/services/cdpd/apiclient"
	"github.com/bobby-ai-dev/manna-protocol/services/cdpd/journal"
	"github.com/bobby-ai-dev/manna-protocol/services/cdpd/oracle"
)

const (
	defaultKeystore = "cdp.keystore"
	defaultEndpoint = "http://127.0.0.1:7080"
	defaultDriver   = "sqlite"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) < 1 {
		usage(stdout)
		return flag.ErrHelp
	}
	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], stdout)
	case "address":
		return runAddress(args[1:], stdout)
	case "call":
		return runCall(args[1:], stdout)
	case "export":
		return runExport(args[1:], stdout)
	case "verify":
		return runVerify(args[1:], stdout)
	case "write-feed":
		return runWriteFeed(args[1:], stdout)
	default:
		usage(stdout)
		return flag.ErrHelp
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: cdpctl <command> [flags]")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  keygen --keystore PATH             create a new signing key")
	fmt.Fprintln(w, "  address --keystore PATH            print the keystore address")
	fmt.Fprintln(w, "  call [flags] METHOD PATH [JSON]    sign and submit an API request")
	fmt.Fprintln(w, "  export --dsn DSN --out FILE        export the journal to parquet")
	fmt.Fprintln(w, "  verify --dsn DSN                   check the journal hash chain")
	fmt.Fprintln(w, "  write-feed --out FILE --price P    write a binary price feed record")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func runKeygen(args []string, stdout io.Writer) error {
	fs := newFlagSet("keygen")
	keystorePath := fs.String("keystore", defaultKeystore, "output path for the keystore file")
	passEnv := fs.String("pass-env", passphrase.DefaultEnv, "environment variable holding the keystore passphrase")
	force := fs.Bool("force", false, "overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path := filepath.Clean(strings.TrimSpace(*keystorePath))
	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("keystore %s already exists (use --force to overwrite)", path)
	} else if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("stat keystore: %w", err)
	}
	pass, err := passphrase.NewSource(*passEnv, passphrase.WithConfirmation()).Get()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create keystore directory: %w", err)
		}
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	addr, err := crypto.SaveToKeystore(path, key, pass)
	if err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	fmt.Fprintf(stdout, "Keystore written to %s\nAddress: %s\n", path, addr.String())
	return nil
}

func runAddress(args []string, stdout io.Writer) error {
	fs := newFlagSet("address")
	keystorePath := fs.String("keystore", defaultKeystore, "path to the keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	addr, err := crypto.KeystoreAddress(*keystorePath)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, addr.String())
	return nil
}

func runCall(args []string, stdout io.Writer) error {
	fs := newFlagSet("call")
	keystorePath := fs.String("keystore", "", "keystore used to sign the request (unsigned when empty)")
	passEnv := fs.String("pass-env", passphrase.DefaultEnv, "environment variable holding the keystore passphrase")
	endpoint := fs.String("endpoint", defaultEndpoint, "cdpd base URL")
	token := fs.String("token", "", "admin bearer token")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) < 2 || len(rest) > 3 {
		return errors.New("call requires METHOD PATH [JSON]")
	}
	var body []byte
	if len(rest) == 3 {
		body = []byte(rest[2])
		if !json.Valid(body) {
			return errors.New("request body must be valid JSON")
		}
	}

	var key *crypto.PrivateKey
	if strings.TrimSpace(*keystorePath) != "" {
		pass, err := passphrase.NewSource(*passEnv).Get()
		if err != nil {
			return err
		}
		if key, err = crypto.LoadFromKeystore(*keystorePath, pass); err != nil {
			return fmt.Errorf("load keystore: %w", err)
		}
	}
	var opts []apiclient.Option
	if *token != "" {
		opts = append(opts, apiclient.WithBearerToken(*token))
	}
	client := apiclient.New(strings.TrimRight(*endpoint, "/"), key, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	resp, err := client.Do(ctx, rest[0], rest[1], body)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, strings.TrimSpace(string(resp)))
	return nil
}

func openJournal(fs *flag.FlagSet, args []string) (*journal.Journal, *flag.FlagSet, error) {
	driver := fs.String("driver", defaultDriver, "journal driver (sqlite or postgres)")
	dsn := fs.String("dsn", "", "journal DSN")
	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	if strings.TrimSpace(*dsn) == "" {
		return nil, fs, errors.New("--dsn is required")
	}
	j, err := journal.Open(*driver, *dsn)
	if err != nil {
		return nil, fs, err
	}
	return j, fs, nil
}

func runExport(args []string, stdout io.Writer) error {
	fs := newFlagSet("export")
	out := fs.String("out", "journal.parquet", "output parquet file")
	j, _, err := openJournal(fs, args)
	if err != nil {
		return err
	}
	defer j.Close()
	rows, err := j.ExportParquet(context.Background(), *out)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Exported %d entries to %s\n", rows, *out)
	return nil
}

func runVerify(args []string, stdout io.Writer) error {
	fs := newFlagSet("verify")
	j, _, err := openJournal(fs, args)
	if err != nil {
		return err
	}
	defer j.Close()
	checked, err := j.VerifyChain(context.Background())
	if err != nil {
		return fmt.Errorf("chain broken after %d entries: %w", checked, err)
	}
	seq, hash := j.Head()
	fmt.Fprintf(stdout, "Verified %d entries (head seq=%d hash=%s)\n", checked, seq, hash)
	return nil
}

func runWriteFeed(args []string, stdout io.Writer) error {
	fs := newFlagSet("write-feed")
	out := fs.String("out", "", "feed file to write")
	price := fs.String("price", "", "price in USD, up to 6 decimals")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*out) == "" {
		return errors.New("--out is required")
	}
	parsed, err := oracle.ParsePrice(*price)
	if err != nil {
		return err
	}
	record := oracle.EncodeFeedRecord(oracle.Sample{Price: parsed, Timestamp: time.Now().UTC()})
	tmp := *out + ".tmp"
	if err := os.WriteFile(tmp, record, 0o644); err != nil {
		return fmt.Errorf("write feed: %w", err)
	}
	if err := os.Rename(tmp, *out); err != nil {
		return fmt.Errorf("replace feed: %w", err)
	}
	fmt.Fprintf(stdout, "Wrote price %d to %s\n", uint64(parsed), *out)
	return nil
}
