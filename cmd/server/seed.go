package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/fairyhunter13/campaign-dialer/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/campaign-dialer/internal/config"
	"github.com/fairyhunter13/campaign-dialer/internal/domain"
)

// runSeedAdmin creates or updates an operator account:
//
//	server seed-admin email=ops@example.com password=s3cret name="Ops" [role=admin|super_admin] [resetPassword=true]
func runSeedAdmin(args []string) {
	params := map[string]string{}
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			fmt.Fprintf(os.Stderr, "invalid argument %q, want key=value\n", arg)
			os.Exit(2)
		}
		params[key] = value
	}

	email := params["email"]
	password := params["password"]
	name := params["name"]
	role := params["role"]
	if role == "" {
		role = "admin"
	}
	if role != "admin" && role != "super_admin" {
		fmt.Fprintln(os.Stderr, "role must be admin or super_admin")
		os.Exit(2)
	}
	if email == "" || name == "" {
		fmt.Fprintln(os.Stderr, "email and name are required")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DocstoreURI)
	if err != nil {
		fmt.Fprintf(os.Stderr, "docstore connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	users := postgres.NewUserRepo(pool)
	existing, err := users.GetByEmail(ctx, email)
	exists := err == nil

	hash := ""
	resetPassword := params["resetPassword"] == "true"
	if !exists || resetPassword {
		if password == "" {
			fmt.Fprintln(os.Stderr, "password is required for a new account or resetPassword=true")
			os.Exit(2)
		}
		h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash: %v\n", err)
			os.Exit(1)
		}
		hash = string(h)
	}

	u := domain.User{Email: email, PasswordHash: hash, Name: name, Role: role}
	if exists {
		u.ID = existing.ID
	}
	id, err := users.Upsert(ctx, u)
	if err != nil {
		fmt.Fprintf(os.Stderr, "upsert: %v\n", err)
		os.Exit(1)
	}
	slog.Info("admin seeded", slog.String("user_id", id), slog.String("email", email), slog.String("role", role))
}
