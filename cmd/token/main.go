package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"cctv-attendance/internal/auth"
	"cctv-attendance/internal/config"
)

// token mints an access token for a camera, reviewer or admin.
func main() {
	var (
		subject = flag.String("subject", "", "Camera id for camera tokens, user id otherwise")
		role    = flag.String("role", auth.RoleCamera, "Token role: camera, reviewer or admin")
		ttl     = flag.Duration("ttl", 0, "Access token lifetime (defaults to ACCESS_TTL)")
	)
	flag.Parse()

	if *subject == "" || !auth.ValidRole(*role) {
		fmt.Fprintln(os.Stderr, "usage: token -subject <id> [-role camera|reviewer|admin] [-ttl 24h]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	accessTTL := cfg.AccessTTL
	if *ttl > 0 {
		accessTTL = *ttl
	}

	tokens, err := auth.Issue(*subject, *role, cfg.JWTIssuer, cfg.JWTSigningKey, accessTTL, cfg.RefreshTTL)
	if err != nil {
		log.Fatalf("token issue failed: %v", err)
	}

	fmt.Println(tokens.AccessToken)
	fmt.Fprintf(os.Stderr, "expires %s\n", tokens.AccessExp.Format(time.RFC3339))
}
