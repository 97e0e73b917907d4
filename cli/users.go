package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/juanfont/impersonate/config"
	"github.com/juanfont/impersonate/database"
	"github.com/juanfont/impersonate/types"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage users",
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase(config.GetConfig())
		if err != nil {
			return err
		}
		defer db.Close()

		users, err := db.ListUsers(cmd.Context())
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tUSERNAME\tNAME\tEMAIL\tROLE\tACTIVE")
		for i := range users {
			u := &users[i]
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\n",
				u.ID, u.Username, u.FriendlyName(), u.Email, role(u), u.IsActive())
		}
		return tw.Flush()
	},
}

var createFlags struct {
	email    string
	username string
	name     string
	staff    bool
	admin    bool
}

var usersCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		if createFlags.username == "" {
			return errors.New("--username is required")
		}

		db, err := openDatabase(config.GetConfig())
		if err != nil {
			return err
		}
		defer db.Close()

		u := &types.User{
			Email:       createFlags.email,
			Username:    createFlags.username,
			DisplayName: createFlags.name,
			IsStaff:     createFlags.staff,
			IsAdmin:     createFlags.admin,
		}
		if err := createUser(cmd.Context(), db, u); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%s)\n", u.Username, u.ID)
		return nil
	},
}

var promoteFlags struct {
	staff bool
	admin bool
}

var usersPromoteCmd = &cobra.Command{
	Use:   "promote EMAIL",
	Short: "Set the staff and admin roles of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase(config.GetConfig())
		if err != nil {
			return err
		}
		defer db.Close()

		u, err := setRoles(cmd.Context(), db, args[0], promoteFlags.admin, promoteFlags.staff)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", u.Username, role(u))
		return nil
	},
}

func init() {
	usersCreateCmd.Flags().StringVar(&createFlags.email, "email", "", "email address")
	usersCreateCmd.Flags().StringVar(&createFlags.username, "username", "", "username")
	usersCreateCmd.Flags().StringVar(&createFlags.name, "name", "", "display name")
	usersCreateCmd.Flags().BoolVar(&createFlags.staff, "staff", false, "grant staff")
	usersCreateCmd.Flags().BoolVar(&createFlags.admin, "admin", false, "grant admin")

	usersPromoteCmd.Flags().BoolVar(&promoteFlags.staff, "staff", true, "staff role")
	usersPromoteCmd.Flags().BoolVar(&promoteFlags.admin, "admin", false, "admin role")

	usersCmd.AddCommand(usersListCmd, usersCreateCmd, usersPromoteCmd)
}

func role(u *types.User) string {
	switch {
	case u.IsAdmin:
		return "admin"
	case u.IsStaff:
		return "staff"
	default:
		return "user"
	}
}

// createUser inserts u and records who was created. Command line changes
// have no acting user.
func createUser(ctx context.Context, db *database.Database, u *types.User) error {
	if err := db.CreateUser(ctx, u); err != nil {
		return err
	}
	audit(ctx, db, types.NewAuditLog(uuid.Nil, types.ActionUserCreated, types.ResourceTypeUser, u.ID.String()).
		WithChanges(map[string]interface{}{
			"email":    u.Email,
			"username": u.Username,
			"role":     role(u),
			"source":   "cli",
		}))
	return nil
}

// setRoles sets the roles of the user with the given email and returns the
// updated user.
func setRoles(ctx context.Context, db *database.Database, email string, isAdmin, isStaff bool) (*types.User, error) {
	u, err := db.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("finding user %s: %w", email, err)
	}
	previous := role(u)
	if err := db.SetUserRoles(ctx, u.ID, isAdmin, isStaff); err != nil {
		return nil, err
	}
	u.IsAdmin, u.IsStaff = isAdmin, isStaff

	audit(ctx, db, types.NewAuditLog(uuid.Nil, types.ActionUserRolesChanged, types.ResourceTypeUser, u.ID.String()).
		WithChanges(map[string]interface{}{
			"previous_role": previous,
			"role":          role(u),
			"source":        "cli",
		}))
	return u, nil
}

func audit(ctx context.Context, db *database.Database, entry *types.AuditLog) {
	if err := db.CreateAuditLog(ctx, entry); err != nil {
		log.Error().Err(err).Str("action", entry.Action).Msg("Failed to create audit log")
	}
}
