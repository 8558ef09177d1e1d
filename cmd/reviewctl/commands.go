package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/sdu-review-console/internal/dispatcher"
	"github.com/xela07ax/sdu-review-console/internal/domain"
	"github.com/xela07ax/sdu-review-console/internal/events"
	"github.com/xela07ax/sdu-review-console/internal/infra"
	"github.com/xela07ax/sdu-review-console/internal/storeclient"
)

func (a *app) loginCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain an access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := a.client.Login(cmd.Context(), username, password)
			if err != nil {
				return explain(err)
			}
			fmt.Fprintln(a.out, resp.AccessToken)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func (a *app) listCmd() *cobra.Command {
	var status, query string
	cmd := &cobra.Command{
		Use:     "list <collection>",
		Short:   "List a review queue (documents, rosters, proposals, ...)",
		GroupID: "read",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			list, err := a.client.Search(cmd.Context(), kind, storeclient.ListFilter{Status: status, Query: query})
			if err != nil {
				return explain(err)
			}

			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTITLE\tSTATUS\tUPDATED")
			for _, e := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.Title, e.Status, e.UpdatedAt.Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, approved, revision, ...)")
	cmd.Flags().StringVarP(&query, "query", "q", "", "search in title")
	return cmd
}

func (a *app) getCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "get <collection> <id>",
		Short:   "Show an entity with its current status",
		GroupID: "read",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			e, err := a.client.Get(cmd.Context(), kind, args[1])
			if err != nil {
				return explain(err)
			}
			a.printEntity(e)
			return nil
		},
	}
	return cmd
}

func (a *app) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "history <collection> <id>",
		Short:   "Show the status history of an entity",
		GroupID: "read",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			history, err := a.client.History(cmd.Context(), kind, args[1])
			if err != nil {
				return explain(err)
			}

			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AT\tSTATUS\tBY\tNOTES")
			for _, h := range history {
				notes := ""
				if h.Notes != nil {
					notes = *h.Notes
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", h.Timestamp.Format(time.DateTime), h.Status, h.ActorRole.Title(), notes)
			}
			return tw.Flush()
		},
	}
}

// actionsCmd кнопки, которые экран показал бы этой роли. Считается локально движком.
func (a *app) actionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "actions <collection> <id>",
		Short:   "List actions available to your role",
		GroupID: "read",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			role, err := a.actorRole()
			if err != nil {
				return err
			}
			e, err := a.client.Get(cmd.Context(), kind, args[1])
			if err != nil {
				return explain(err)
			}

			actions := a.engine.AvailableActions(kind, e.Status, role)
			if len(actions) == 0 {
				fmt.Fprintf(a.out, "No actions available to %s for status %q\n", role.Title(), e.Status)
				return nil
			}
			for _, act := range actions {
				fmt.Fprintln(a.out, commandName(act))
			}
			return nil
		},
	}
}

func (a *app) dashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "dashboard",
		Short:   "Show review queue counters",
		GroupID: "read",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := a.client.Dashboard(cmd.Context())
			if err != nil {
				return explain(err)
			}
			a.printDashboard(d)
			return nil
		},
	}
}

// evaluateCmd проверка перехода без сервера: "что будет, если".
func (a *app) evaluateCmd() *cobra.Command {
	var notes, kind string
	cmd := &cobra.Command{
		Use:   "evaluate <status> <role> <action>",
		Short: "Check a transition against the workflow table without contacting the server",
		Args:  cobra.ExactArgs(3),
		// Конфиг нужен только для политики ревьюеров
		RunE: func(cmd *cobra.Command, args []string) error {
			var k domain.Kind
			if kind != "" {
				parsed, err := domain.ParseKind(kind)
				if err != nil {
					return err
				}
				k = parsed
			}
			res := a.engine.EvaluateStrings(k, args[0], args[1], args[2], notes)
			return a.printJSON(res)
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "revision notes")
	cmd.Flags().StringVar(&kind, "kind", "", "entity kind; reviewer policy depends on it")
	return cmd
}

func (a *app) transitionCmd(action domain.Action) *cobra.Command {
	var notes string
	var confirmed bool

	cmd := &cobra.Command{
		Use:     commandName(action) + " <collection> <id>",
		Short:   transitionShort[action],
		GroupID: "review",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			role, err := a.actorRole()
			if err != nil {
				return err
			}

			d := a.dispatcher(dispatcher.RefreshFunc(func(ctx context.Context, _ *domain.ReviewableEntity) error {
				// Агрегаты считает сервер: перечитываем целиком
				stats, err := a.client.Dashboard(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Queue: %d pending, %d for revision, %d approved\n",
					stats.TotalPending, stats.TotalRevision, stats.TotalApproved)
				return nil
			}))

			e, err := d.Submit(cmd.Context(), domain.TransitionRequest{
				Kind:      kind,
				EntityID:  args[1],
				Action:    action,
				Notes:     notes,
				ActorRole: role,
				Confirmed: confirmed,
			})
			if err != nil {
				var confirm *dispatcher.ConfirmationError
				if errors.As(err, &confirm) {
					return fmt.Errorf("this entity was %s; re-run with --yes to override", confirm.Advisory.Message)
				}
				return explain(err)
			}

			fmt.Fprintf(a.out, "%s %s: %s\n", kind, e.ID, e.Status)
			return nil
		},
	}
	cmd.Flags().StringVarP(&notes, "notes", "n", "", "revision notes (required for request-revision and revoke)")
	cmd.Flags().BoolVarP(&confirmed, "yes", "y", false, "confirm overriding another reviewer's decision")
	return cmd
}

var transitionShort = map[domain.Action]string{
	domain.ActionApprove:         "Approve a pending entity",
	domain.ActionRequestRevision: "Send an entity back for revision (requires --notes)",
	domain.ActionResubmit:        "Resubmit a revised entity for review",
	domain.ActionRevoke:          "Revoke an approval and return to pending (requires --notes)",
	domain.ActionComplete:        "Mark an approved roster as complete",
}

// commandName APPROVE → approve, REQUEST_REVISION → request-revision.
func commandName(a domain.Action) string {
	return strings.ReplaceAll(strings.ToLower(string(a)), "_", "-")
}

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream status changes as reviewers make them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			events.ListenResilient(ctx, a.redis(), a.logger, infra.RedisChanStatusChanged,
				func(ctx context.Context) error {
					// Пока подписки не было, события могли потеряться
					d, err := a.client.Dashboard(ctx)
					if err != nil {
						return err
					}
					a.printDashboard(d)
					return nil
				},
				func(ev events.StatusChanged) {
					fmt.Fprintf(a.out, "%s  %s %s: %s -> %s (%s)\n",
						ev.At.Local().Format(time.TimeOnly), ev.Kind, ev.EntityID, ev.From, ev.To, ev.ActorRole.Title())
				},
			)
			return nil
		},
	}
}

// hashPasswordCmd хеш для таблицы users с cost из auth.bcrypt_cost.
func (a *app) hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "hash-password <password>",
		Short:  "Print a bcrypt hash for seeding the users table",
		Args:   cobra.ExactArgs(1),
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), a.cfg.Auth.BcryptCost)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, string(hash))
			return nil
		},
	}
}

func (a *app) printEntity(e *domain.ReviewableEntity) {
	fmt.Fprintf(a.out, "%s %s\n", e.Kind, e.ID)
	if e.Title != "" {
		fmt.Fprintf(a.out, "  Title:  %s\n", e.Title)
	}
	fmt.Fprintf(a.out, "  Status: %s\n", e.Status)
	if e.RevisionNotes != nil {
		fmt.Fprintf(a.out, "  Notes:  %s\n", *e.RevisionNotes)
	}
}

func (a *app) printDashboard(d *domain.ReviewDashboard) {
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tPENDING\tREVISION\tAPPROVED\tTOTAL")
	for _, k := range d.ByKind {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", k.Kind,
			k.ByState[domain.StatePending], k.ByState[domain.StateRevisionRequested], k.ByState[domain.StateApproved], k.Total)
	}
	fmt.Fprintf(tw, "all\t%d\t%d\t%d\t\n", d.TotalPending, d.TotalRevision, d.TotalApproved)
	_ = tw.Flush()
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// explain текст сервера для пользователя вместо технической обёртки.
func explain(err error) error {
	var fail *dispatcher.SubmissionFailedError
	if errors.As(err, &fail) {
		return errors.New(fail.Message)
	}
	var apiErr *storeclient.APIError
	if errors.As(err, &apiErr) {
		return errors.New(apiErr.Message)
	}
	if errors.Is(err, storeclient.ErrTimeout) {
		return errors.New("Request timed out. Please try again.")
	}
	return err
}
