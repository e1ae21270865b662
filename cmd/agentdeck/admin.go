package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"

	"github.com/Strob0t/AgentDeck/internal/adapter/postgres"
	"github.com/Strob0t/AgentDeck/internal/config"
	"github.com/Strob0t/AgentDeck/internal/domain/user"
	"github.com/Strob0t/AgentDeck/internal/secrets"
	"github.com/Strob0t/AgentDeck/internal/service"
)

// runAdmin dispatches admin subcommands.
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "unlock":
		return runAdminUnlock(args[1:])
	case "lockout-status":
		return runAdminLockoutStatus(args[1:])
	case "create-user":
		return runAdminCreateUser(args[1:])
	case "migrate":
		return runAdminMigrate(args[1:])
	case "gen-key":
		return runAdminGenKey()
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: agentdeck admin <command> [options]

Commands:
  unlock           Clear the login lockout of an identity
  lockout-status   Show the lockout state of an identity
  create-user      Create a new user
  migrate          Apply, roll back or inspect database migrations
  gen-key          Print a new encryption key for AGENTDECK_ENCRYPTION_KEY
  help             Show this help message

Examples:
  agentdeck admin unlock --identity alice
  agentdeck admin lockout-status --identity alice
  agentdeck admin create-user --username alice --admin
  agentdeck admin migrate up
  agentdeck admin migrate down --steps 1
  agentdeck admin gen-key
`)
}

func loadLockoutGuard(ctx context.Context) (*service.LockoutGuard, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Redis.URL == "" {
		return nil, nil, errors.New("lockout state lives in the server process; set REDIS_URL or use the admin API")
	}
	limits, cleanup, err := newLimitStore(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	return service.NewLockoutGuard(limits, cfg.Lockout, nil), cleanup, nil
}

func identityFlag(name string, args []string) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	identity := fs.String("identity", "", "username whose lockout to inspect (required)")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	id := user.NormalizeUsername(*identity)
	if id == "" {
		return "", errors.New("--identity is required")
	}
	return id, nil
}

func runAdminUnlock(args []string) error {
	id, err := identityFlag("unlock", args)
	if err != nil {
		return err
	}
	ctx := context.Background()
	guard, cleanup, err := loadLockoutGuard(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if guard.Unlock(ctx, id) {
		fmt.Fprintf(os.Stderr, "Unlocked %s\n", id)
	} else {
		fmt.Fprintf(os.Stderr, "%s was not locked; failed attempts cleared\n", id)
	}
	return nil
}

func runAdminLockoutStatus(args []string) error {
	id, err := identityFlag("lockout-status", args)
	if err != nil {
		return err
	}
	ctx := context.Background()
	guard, cleanup, err := loadLockoutGuard(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(guard.Status(ctx, id))
}

func runAdminCreateUser(args []string) error {
	fs := flag.NewFlagSet("create-user", flag.ContinueOnError)
	username := fs.String("username", "", "login name (required)")
	password := fs.String("password", "", "password (prompted if not provided)") //nolint:gosec // CLI flag
	admin := fs.Bool("admin", false, "grant admin role")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *username == "" {
		return errors.New("--username is required")
	}

	pass := *password
	if pass == "" {
		var err error
		pass, err = promptPassword("Password: ")
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		confirm, err := promptPassword("Confirm password: ")
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		if pass != confirm {
			return errors.New("passwords do not match")
		}
	}

	role := user.RoleUser
	if *admin {
		role = user.RoleAdmin
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	// Registration never touches the lockout store.
	authSvc, err := service.NewAuthService(postgres.NewStore(pool), nil, cfg.Auth, nil)
	if err != nil {
		return err
	}
	u, err := authSvc.Register(ctx, &user.CreateRequest{Username: *username, Password: pass, Role: role})
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Fprintf(os.Stderr, "User created: %s (id=%d, role=%s)\n", u.Username, u.ID, u.Role)
	return nil
}

func runAdminMigrate(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: agentdeck admin migrate <up|down|version> [--steps N]")
	}
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	steps := fs.Int("steps", 1, "migrations to roll back (down only)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()
	dsn := cfg.Postgres.DSN

	switch args[0] {
	case "up":
		n, err := postgres.RunMigrations(ctx, dsn)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Applied %d migrations\n", n)
	case "down":
		if *steps < 1 {
			return errors.New("--steps must be at least 1")
		}
		if err := postgres.RollbackMigrations(ctx, dsn, *steps); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Rolled back %d migrations\n", *steps)
	case "version":
		v, err := postgres.MigrationVersion(ctx, dsn)
		if err != nil {
			return err
		}
		fmt.Println(v)
	default:
		return fmt.Errorf("unknown migrate action: %s", args[0])
	}
	return nil
}

func runAdminGenKey() error {
	key, err := secrets.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	fmt.Println(key)
	return nil
}

// promptPassword reads a password from the terminal without echoing.
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
