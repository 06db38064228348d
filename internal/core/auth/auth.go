// Identity verification for the account/presence login paths.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"gorm.io/gorm"

	"github.com/openplasma/plasma/internal/core/data"
)

var (
	ErrUnknown            = errors.New("an unexpected error occurred, please contact your server administrator")
	ErrInvalidCredentials = errors.New("username/password combination not found")
	ErrAccountBanned      = errors.New("this account has been suspended")
)

// VerifyAccount checks the accounts table for the specified credentials
// combination and validates that the account is accessible.
func VerifyAccount(db *gorm.DB, username, password string) (*data.Account, error) {
	account, err := data.FindAccountByUsername(db, username)
	if err != nil {
		return nil, ErrUnknown
	}

	if account == nil || account.Password != HashPassword(password) {
		return nil, ErrInvalidCredentials
	} else if account.Banned {
		return nil, ErrAccountBanned
	}

	return account, nil
}

// CreateAccount takes the specified credentials and creates a new record in
// the database, returning either the result or any errors encountered.
func CreateAccount(db *gorm.DB, username, password, email string) (*data.Account, error) {
	account := &data.Account{
		Username: username,
		Password: HashPassword(password),
		Email:    email,
	}

	if err := data.CreateAccount(db, account); err != nil {
		return nil, err
	}

	return account, nil
}

// HashPassword returns a version of password with the server's chosen
// hashing strategy.
func HashPassword(password string) string {
	hash := sha256.New()
	hash.Write([]byte(password))
	return hex.EncodeToString(hash.Sum(nil))
}
