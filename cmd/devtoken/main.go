// Command devtoken prints a viewer access token signed with JWT_SECRET, for
// exercising the API locally.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/seat-sync/internal/utils"
)

func main() {
	viewer := flag.String("viewer", "viewer-1", "viewer id placed in the token subject")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		logrus.Fatal("JWT_SECRET is not set")
	}
	tok, err := utils.NewAccessToken(secret, *viewer, *ttl)
	if err != nil {
		logrus.WithError(err).Fatal("sign token")
	}
	fmt.Println(tok.Token)
}
