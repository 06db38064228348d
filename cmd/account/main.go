// This script is a small convenience tool for manipulating user accounts in
// the configured server database.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"gorm.io/gorm"

	"github.com/openplasma/plasma/internal/core"
	"github.com/openplasma/plasma/internal/core/auth"
	"github.com/openplasma/plasma/internal/core/data"
)

var (
	config     = flag.String("config", "./", "Path to the directory containing the server config file.")
	add        = flag.Bool("add", false, "Add an account.")
	pd         = flag.Bool("perm-delete", false, "Delete an account permanently.")
	softDelete = flag.Bool("delete", false, "Soft delete an account.")
	help       = flag.Bool("help", false, "Print this usage info.")
)

func main() {
	flag.Parse()

	if *help {
		flag.Usage()
		os.Exit(0)
	}

	cfg := core.LoadConfig(*config)
	db, err := data.Initialize(cfg.DatabaseURL(), false)
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
	defer func() { _ = data.Shutdown(db) }()

	switch {
	case *add:
		u := scanInput("Username")
		p := scanInput("Password")
		e := scanInput("Email")
		err = addAccount(db, u, p, e)
	case *softDelete:
		err = deleteAccount(db, scanInput("Username"), data.DeleteAccount)
	case *pd:
		err = deleteAccount(db, scanInput("Username"), data.PermanentlyDeleteAccount)
	default:
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
}

func scanInput(prompt string) string {
	fmt.Printf("%s: ", prompt)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	return scanner.Text()
}

func addAccount(db *gorm.DB, username, password, email string) error {
	account, err := auth.CreateAccount(db, username, password, email)
	if err != nil {
		return fmt.Errorf("failed to create account: %v", err)
	}
	fmt.Println("created account with ID:", account.ID)
	return nil
}

func deleteAccount(db *gorm.DB, username string, remove func(*gorm.DB, *data.Account) error) error {
	account, err := data.FindAccountByUsername(db, username)
	if err != nil {
		return fmt.Errorf("failed to look up account: %v", err)
	}
	if account == nil {
		return fmt.Errorf("no account named %q", username)
	}
	if err := remove(db, account); err != nil {
		return fmt.Errorf("failed to delete account: %v", err)
	}
	fmt.Println("deleted account")
	return nil
}
