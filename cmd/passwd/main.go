package main

import (
	"context"
	"flag"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/2beens/usermgmt/internal/auth"
	"github.com/2beens/usermgmt/internal/cli"
	"github.com/2beens/usermgmt/internal/config"
	"github.com/2beens/usermgmt/internal/db"
	"github.com/2beens/usermgmt/internal/users"
)

// passwd changes the password of an existing user directly in the postgres
// users store. Used to replace the initial admin password.
func main() {
	env := flag.String("env", "development", "environment [prod | production | dev | development]")
	configPath := flag.String("config", "./config.toml", "path for the TOML config file")
	username := flag.String("username", users.AdminUsername, "user whose password is changed")
	flag.Parse()

	cfg, err := config.Load(*env, *configPath)
	if err != nil {
		log.Fatalf("load config: %s", err)
	}
	if cfg.UsersStore != config.UsersStorePostgres {
		log.Fatalf("users store [%s] is not persistent, nothing to update", cfg.UsersStore)
	}

	password, err := cli.ReadNewPassword(os.Stdout)
	if err != nil {
		log.Fatalln(err)
	}

	passwordHash, err := auth.NewHasher(cfg.BcryptCost).Hash(password)
	if err != nil {
		log.Fatalf("hash password: %s", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dbPool, err := db.NewDBPool(ctx, db.NewDBPoolParams{
		DBHost:     cfg.PostgresHost,
		DBPort:     cfg.PostgresPort,
		DBName:     cfg.PostgresDBName,
		DBUser:     cfg.PostgresUser,
		DBPassword: os.Getenv("USERMGMT_POSTGRES_PASS"),
	})
	if err != nil {
		log.Fatalf("new db pool: %s", err)
	}

	err = users.NewRepo(dbPool).UpdatePassword(ctx, *username, passwordHash)
	dbPool.Close()
	if err != nil {
		log.Fatalf("update password of [%s]: %s", *username, err)
	}

	log.Infof("password of [%s] changed", *username)
}
