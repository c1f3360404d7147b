// Command admintoken prints a signed admin bearer token for the checkout
// service's /admin routes.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/joao-fontenele/gallery-checkout/internal/auth"
	"github.com/joao-fontenele/gallery-checkout/internal/config"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	subject := flag.String("subject", "", "operator id recorded as the token subject")
	email := flag.String("email", "", "operator email")
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	if *subject == "" {
		logger.Error("usage: admintoken -subject <id> [-email <email>] [-ttl 12h]")
		os.Exit(1)
	}

	secret, err := config.Required("ADMIN_JWT_SECRET")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	guard := auth.NewGuard(secret, slog.New(slog.NewTextHandler(io.Discard, nil)))
	token, err := guard.IssueToken(*subject, *email, *ttl)
	if err != nil {
		logger.Error("failed to sign token", "error", err)
		os.Exit(1)
	}

	fmt.Println(token)
	logger.Info("admin token issued", "subject", *subject, "expires_in", ttl.String())
}
