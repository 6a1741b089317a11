package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/shanelindsay/orchhub/internal/config"
	"github.com/shanelindsay/orchhub/internal/vault"
)

func runVault(args []string) error {
	if len(args) == 0 {
		printVaultUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Vault.Passphrase == "" {
		return fmt.Errorf("ORCH_VAULT_PASSPHRASE environment variable is required")
	}

	store := vault.NewStore(cfg.Vault.Path, vault.New(cfg.Vault.Passphrase))

	switch args[0] {
	case "list":
		return vaultList(store)
	case "set":
		return vaultSet(store, args[1:])
	case "get":
		return vaultGet(store, args[1:])
	case "delete":
		return vaultDelete(store, args[1:])
	default:
		printVaultUsage()
		return fmt.Errorf("unknown vault command: %s", args[0])
	}
}

func printVaultUsage() {
	fmt.Fprintf(os.Stderr, `Usage: orchhub vault <command>

Commands:
  list                        List stored secret names
  set <name> --value <str>    Store a string secret
  set <name> --file <path>    Store a file's contents as a secret
  get <name>                  Retrieve and decrypt a secret
  delete <name>               Delete a secret

Well-known names:
  telegram_token              Telegram bot token, read at hub startup
  github_token                GitHub token (stored only; the hub does not read it)

Environment:
  ORCH_VAULT_PASSPHRASE       Required. Encryption passphrase.
`)
}

func vaultList(store *vault.Store) error {
	names, err := store.Names()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No secrets stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME")
	for _, name := range names {
		fmt.Fprintln(w, name)
	}
	return w.Flush()
}

func vaultSet(store *vault.Store, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: orchhub vault set <name> --value <string> | --file <path>")
	}

	name := args[0]
	var value []byte

	switch args[1] {
	case "--value":
		value = []byte(args[2])
	case "--file":
		data, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}
		value = data
		fmt.Printf("Read %d bytes from %s\n", len(data), filepath.Base(args[2]))
	default:
		return fmt.Errorf("expected --value or --file, got %s", args[1])
	}

	if err := store.Set(name, value); err != nil {
		return err
	}
	fmt.Printf("Secret %q saved\n", name)
	return nil
}

func vaultGet(store *vault.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: orchhub vault get <name>")
	}

	plaintext, ok, err := store.Get(args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("secret %q not found", args[0])
	}

	fmt.Print(string(plaintext))
	if len(plaintext) > 0 && plaintext[len(plaintext)-1] != '\n' {
		fmt.Println()
	}
	return nil
}

func vaultDelete(store *vault.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: orchhub vault delete <name>")
	}
	if err := store.Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("Secret %q deleted\n", args[0])
	return nil
}
