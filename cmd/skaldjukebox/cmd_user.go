/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/friendsincode/skald_jukebox/internal/auth"
	"github.com/friendsincode/skald_jukebox/internal/db"
)

var (
	userCreateName     string
	userCreatePassword string
	userCreateAdmin    bool
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
}

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user account",
	Long: `Create a user account for the queue API.

The password is read from the terminal when --password is not given.

Examples:
  # Create a regular account, prompting for the password
  skaldjukebox user create --name erik

  # Create an admin account
  skaldjukebox user create --name erik --admin
`,
	RunE: runUserCreate,
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userCreateCmd)

	userCreateCmd.Flags().StringVar(&userCreateName, "name", "", "Account name (required)")
	userCreateCmd.Flags().StringVar(&userCreatePassword, "password", "", "Account password (prompted when omitted)")
	userCreateCmd.Flags().BoolVar(&userCreateAdmin, "admin", false, "Grant admin rights")
	userCreateCmd.MarkFlagRequired("name")
}

func runUserCreate(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	password := userCreatePassword
	if password == "" {
		fmt.Print("Password: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimSpace(line)
	}
	if password == "" {
		return fmt.Errorf("password must not be empty")
	}

	database, err := initDatabase()
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close(database)

	user, err := auth.NewUsers(database).Create(cmd.Context(), userCreateName, password, userCreateAdmin)
	if err != nil {
		return err
	}

	role := "user"
	if user.Admin {
		role = "admin"
	}
	logger.Info().Int64("id", user.ID).Str("name", user.Name).Str("role", role).Msg("account created")
	return nil
}
