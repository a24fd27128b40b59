package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"changequery/internal/app"
)

// adminRun wraps an admin operation with runtime setup and teardown.
func adminRun(run func(cmd *cobra.Command, admin *app.Admin) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()
		return run(cmd, rt.admin)
	}
}

func projectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "project NAME",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminRun(func(cmd *cobra.Command, admin *app.Admin) error {
				if err := admin.CreateProject(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "project %s\n", args[0])
				return nil
			})(cmd, args)
		},
	}
}

func labelCmd() *cobra.Command {
	var input app.LabelInput
	cmd := &cobra.Command{
		Use:   "label",
		Short: "Create or replace a label definition on a project",
		Args:  cobra.NoArgs,
		RunE: adminRun(func(cmd *cobra.Command, admin *app.Admin) error {
			def, err := admin.PutLabel(cmd.Context(), input)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s) %s\n", input.Project, def.Name, def.Abbreviation, def.Range)
			return nil
		}),
	}
	cmd.Flags().StringVar(&input.Project, "project", "", "Project name")
	cmd.Flags().StringVar(&input.Name, "name", "", "Label name, e.g. Code-Review")
	cmd.Flags().StringVar(&input.Abbreviation, "abbrev", "", "Abbreviation (default: initials of the dash-separated name)")
	cmd.Flags().IntVar(&input.Min, "min", 0, "Lowest vote value")
	cmd.Flags().IntVar(&input.Max, "max", 1, "Highest vote value")
	cmd.Flags().IntVar(&input.SortOrder, "sort", 0, "Display position")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func grantCmd() *cobra.Command {
	var input app.GrantInput
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Let a role vote on a label within a range",
		Args:  cobra.NoArgs,
		RunE: adminRun(func(cmd *cobra.Command, admin *app.Admin) error {
			g, err := admin.PutGrant(cmd.Context(), input)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s %s\n", input.Project, g.Permission, g.Role, g.Range())
			return nil
		}),
	}
	cmd.Flags().StringVar(&input.Project, "project", "", "Project name")
	cmd.Flags().StringVar(&input.Label, "label", "", "Label name")
	cmd.Flags().StringVar(&input.Role, "role", "", "Role: viewer, commenter, editor or admin")
	cmd.Flags().IntVar(&input.Min, "min", 0, "Lowest value the role may vote")
	cmd.Flags().IntVar(&input.Max, "max", 0, "Highest value the role may vote")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("label")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func memberCmd() *cobra.Command {
	var (
		input    app.MemberInput
		inactive bool
	)
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Add, change or deactivate a project membership",
		Args:  cobra.NoArgs,
		RunE: adminRun(func(cmd *cobra.Command, admin *app.Admin) error {
			input.Active = !inactive
			m, err := admin.PutMember(cmd.Context(), input)
			if err != nil {
				return err
			}
			state := "active"
			if !m.Active {
				state = "inactive"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s %s\n", m.Project, m.Actor, m.Role, state)
			return nil
		}),
	}
	cmd.Flags().StringVar(&input.Project, "project", "", "Project name")
	cmd.Flags().StringVar(&input.Actor, "actor", "", "Member")
	cmd.Flags().StringVar(&input.Role, "role", "viewer", "Role: viewer, commenter, editor or admin")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "Deactivate the membership")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func changeCmd() *cobra.Command {
	var input app.ChangeInput
	cmd := &cobra.Command{
		Use:   "change",
		Short: "Create a change with its first revision",
		Args:  cobra.NoArgs,
		RunE: adminRun(func(cmd *cobra.Command, admin *app.Admin) error {
			c, err := admin.CreateChange(cmd.Context(), input)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s %s\n", c.ID, c.Project, c.Branch, c.Status)
			return nil
		}),
	}
	cmd.Flags().StringVar(&input.ID, "id", "", "Change id")
	cmd.Flags().StringVar(&input.Project, "project", "", "Project name")
	cmd.Flags().StringVar(&input.Branch, "branch", "", "Target branch")
	cmd.Flags().StringVar(&input.Owner, "owner", "", "Change owner")
	cmd.Flags().StringVar(&input.Subject, "subject", "", "One-line subject")
	cmd.Flags().StringVar(&input.Status, "status", "", "NEW, MERGED or ABANDONED (default NEW)")
	cmd.Flags().StringVar(&input.CommitHash, "commit", "", "Commit of the first revision")
	for _, name := range []string{"id", "project", "branch", "owner", "commit"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func revisionCmd() *cobra.Command {
	var input app.RevisionInput
	cmd := &cobra.Command{
		Use:   "revision",
		Short: "Upload a new current revision of a change",
		Args:  cobra.NoArgs,
		RunE: adminRun(func(cmd *cobra.Command, admin *app.Admin) error {
			n, err := admin.AddRevision(cmd.Context(), input)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s revision %d\n", input.ChangeID, n)
			return nil
		}),
	}
	cmd.Flags().StringVar(&input.ChangeID, "change", "", "Change id")
	cmd.Flags().StringVar(&input.CommitHash, "commit", "", "Commit of the new revision")
	cmd.Flags().StringVar(&input.Uploader, "uploader", "", "Who uploaded it")
	for _, name := range []string{"change", "commit", "uploader"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}
