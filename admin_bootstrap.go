package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	adminBootstrapUserEnv     = "ADMIN_BOOTSTRAP_USER"
	adminBootstrapPasswordEnv = "ADMIN_BOOTSTRAP_PASSWORD"
	minBootstrapPasswordLen   = 12
)

var bcryptCost = bcrypt.DefaultCost

// bootstrapAdminUser seeds the first local admin. An existing row is left
// untouched so a rotated password is never reset on restart.
func bootstrapAdminUser() error {
	username := strings.TrimSpace(os.Getenv(adminBootstrapUserEnv))
	password := os.Getenv(adminBootstrapPasswordEnv)
	return seedAdminUser(username, password)
}

func seedAdminUser(username, password string) error {
	if username == "" && password == "" {
		return nil
	}
	if username == "" || password == "" {
		return fmt.Errorf("admin bootstrap: both %s and %s must be set", adminBootstrapUserEnv, adminBootstrapPasswordEnv)
	}
	if len(password) < minBootstrapPasswordLen {
		Warnf("Admin bootstrap: password for %q is shorter than %d characters", username, minBootstrapPasswordLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return fmt.Errorf("admin bootstrap: password for %q exceeds 72 bytes", username)
		}
		return fmt.Errorf("admin bootstrap: hash password: %w", err)
	}
	created, err := insertAdminUserIfMissing(username, string(hash))
	if err != nil {
		return fmt.Errorf("admin bootstrap: create %q: %w", username, err)
	}
	if created {
		Infof("Admin bootstrap: created local admin %q", username)
	} else {
		Debugf("Admin bootstrap: admin %q already present", username)
	}
	return nil
}
