package main

import (
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"golang.org/x/crypto/bcrypt"
)

func withFastBcrypt(t *testing.T) {
	t.Helper()
	prev := bcryptCost
	bcryptCost = bcrypt.MinCost
	t.Cleanup(func() { bcryptCost = prev })
}

func TestSeedAdminUser(t *testing.T) {
	mock := withMockDB(t)
	withFastBcrypt(t)

	mock.ExpectExec("INSERT INTO admin_users").
		WithArgs("root", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := seedAdminUser("root", "a-long-enough-password"); err != nil {
		t.Fatalf("seedAdminUser: %v", err)
	}

	mock.ExpectExec("INSERT INTO admin_users").
		WithArgs("root", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := seedAdminUser("root", "a-long-enough-password"); err != nil {
		t.Fatalf("existing admin should not be an error: %v", err)
	}

	mock.ExpectExec("INSERT INTO admin_users").
		WillReturnError(errors.New("read-only transaction"))
	if err := seedAdminUser("root", "a-long-enough-password"); err == nil {
		t.Fatalf("expected insert failure to surface")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf(unmetExpectationsFmt, err)
	}
}

func TestSeedAdminUserRequiresBothValues(t *testing.T) {
	if err := seedAdminUser("", ""); err != nil {
		t.Fatalf("no bootstrap config should be a no-op, got %v", err)
	}
	if err := seedAdminUser("root", ""); err == nil {
		t.Fatalf("expected error for missing password")
	}
	if err := seedAdminUser("", "secret-password"); err == nil {
		t.Fatalf("expected error for missing username")
	}
}

func TestCreateSchema(t *testing.T) {
	mock := withMockDB(t)
	for range schemaStatements {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	if err := createSchema(); err != nil {
		t.Fatalf("createSchema: %v", err)
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS oauth_clients").WillReturnError(errors.New("permission denied"))
	if err := createSchema(); err == nil {
		t.Fatalf("expected schema error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf(unmetExpectationsFmt, err)
	}
}
