package main

import (
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/2beens/usermgmt/internal/auth"
	"github.com/2beens/usermgmt/internal/cli"
)

// hashpass prints the bcrypt hash of a password read from the terminal.
func main() {
	cost := flag.Int("cost", auth.DefaultCost, "bcrypt cost")
	flag.Parse()

	password, err := cli.ReadNewPassword(os.Stderr)
	if err != nil {
		log.Fatalln(err)
	}

	hash, err := auth.NewHasher(*cost).Hash(password)
	if err != nil {
		log.Fatalf("hash password: %s", err)
	}

	fmt.Println(hash)
}
