// Command devtoken prints a session token for local testing.
//
// Usage:
//
//	go run ./cmd/devtoken -user client_1 -ttl 2h
//
// The token is signed with JWT_SECRET (environment or .env) and carries
// JWT_ISSUER, so the local server accepts it.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/atelier/internal/auth"
	"github.com/mbd888/atelier/internal/config"
)

func main() {
	user := flag.String("user", "", "user id to put in the sub claim")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	if *user == "" {
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	issuer := os.Getenv("JWT_ISSUER")
	if issuer == "" {
		issuer = config.DefaultJWTIssuer
	}

	token, err := auth.NewVerifier(secret, issuer).Sign(*user, *ttl)
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	fmt.Println(token)
}
