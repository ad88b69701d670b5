package cmd

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"guest-presence/internal/repository"
	"guest-presence/internal/services"

	"github.com/google/uuid"
)

// runToken prints a signed token, for provisioning devices and consoles
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	userID := fs.String("user", "", "user id (a new one is generated when empty)")
	role := fs.String("role", services.RoleGuest, "guest or operator")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	if *userID == "" {
		*userID = uuid.NewString()
	}

	// only the secret is needed to sign
	token, err := services.NewUserService(nil, cfg.JWT.Secret).GenerateJWT(*userID, *role)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "user_id: %s\nrole:    %s\ntoken:   %s\n", *userID, *role, token)
	return nil
}

func runMigrate(args []string) error {
	cfg, err := loadConfig(flag.NewFlagSet("migrate", flag.ExitOnError), args)
	if err != nil {
		return err
	}
	if cfg.Database.Driver != "postgres" {
		return errors.New("migrate needs database.driver: postgres")
	}
	return repository.Migrate(cfg.Database.URL())
}
