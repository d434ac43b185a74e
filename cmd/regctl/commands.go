package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"registrar/internal/app"
	"registrar/internal/attest"
	"registrar/internal/domain"
	registrarsdk "registrar/sdk/go"
)

func requestCmd() *cobra.Command {
	var actor, target, reason, serverURL string
	var meta []string
	cmd := &cobra.Command{
		Use:   "request <action>",
		Short: "Submit a request and print the decision",
		Long: `Submit one request. Without --server the request is decided against the
workspace registrar and its attestation is appended to the workspace log.
With --server it is sent to a running registrar as --actor.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			md, err := parseMeta(meta)
			if err != nil {
				return err
			}
			if serverURL != "" {
				return remoteRequest(cmd.Context(), serverURL, actor, registrarsdk.Request{
					Action:   args[0],
					Target:   target,
					Reason:   reason,
					Metadata: md.Map(),
				})
			}
			req := domain.Request{
				Action:   domain.Action(args[0]),
				Actor:    actor,
				Target:   target,
				Reason:   reason,
				Metadata: md,
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				d, err := a.Registrar.Request(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				printDecision(d)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "acting actor id")
	cmd.Flags().StringVar(&target, "target", "", "target stream id")
	cmd.Flags().StringVar(&reason, "reason", "", "free-text reason recorded with the attestation")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	cmd.Flags().StringVar(&serverURL, "server", "", "registrar base URL, e.g. http://127.0.0.1:8080")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func remoteRequest(ctx context.Context, serverURL, actor string, req registrarsdk.Request) error {
	c := registrarsdk.New(serverURL)
	c.ActorID = actor
	c.APIKey = viper.GetString("api-key")
	d, err := c.Submit(ctx, req)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(d)
	}
	fmt.Printf("%s seq=%d attestation=%s stream=%s\n%s\n", d.Kind, d.Seq, d.AttestationID, d.StreamID, d.Reason)
	return nil
}

// parseMeta turns key=value pairs into extensions. Values that parse as
// integers, floats or booleans keep that kind; everything else is a string.
func parseMeta(pairs []string) (domain.Extensions, error) {
	ext := domain.NewExtensions()
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return ext, fmt.Errorf("--meta %q: want key=value", p)
		}
		ext = ext.With(k, parseValue(v))
	}
	return ext, nil
}

func parseValue(s string) domain.Value {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return domain.IntValue(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return domain.FloatValue(f)
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return domain.BoolValue(b)
	}
	return domain.StringValue(s)
}

func printDecision(d domain.Decision) {
	kind := string(d.Kind)
	switch d.Kind {
	case domain.DecisionAllowed:
		kind = text.FgGreen.Sprint(kind)
	case domain.DecisionDenied:
		kind = text.FgYellow.Sprint(kind)
	case domain.DecisionHalted:
		kind = text.FgRed.Sprint(kind)
	}
	fmt.Printf("%s seq=%d attestation=%s stream=%s\n", kind, d.Seq, d.AttestationID, d.StreamID)
	fmt.Println(d.Reason)
	if len(d.Violations) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Invariant", "Code", "Severity", "Message"})
		for _, v := range d.Violations {
			tw.AppendRow(table.Row{v.InvariantID, v.Code, v.Severity, v.Message})
		}
		tw.Render()
	}
	for _, e := range d.Effects {
		fmt.Printf("effect: %s %s\n", e.Kind, e.Detail)
	}
}

func stateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <stream-id>",
		Short: "Show one stream record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				s, ok := a.Registrar.GetState(args[0])
				if !ok {
					return fmt.Errorf("stream %s: %w", args[0], domain.ErrNotFound)
				}
				return printJSON(s)
			})
		},
	}
}

func statesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "states",
		Short: "List stream records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				m := a.Registrar.ListStates()
				streams := make([]domain.Stream, 0, len(m))
				for _, s := range m {
					streams = append(streams, s)
				}
				sort.Slice(streams, func(i, j int) bool { return streams[i].OrderIndex < streams[j].OrderIndex })
				if viper.GetBool("json") {
					return printJSON(streams)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "State", "Owner", "Priority", "Override", "Version", "Order"})
				for _, s := range streams {
					override := ""
					if s.Accessibility.Active {
						override = s.Accessibility.HolderID
					}
					tw.AppendRow(table.Row{s.ID, s.State, s.Ownership.OwnerID, s.Ownership.Priority, override, s.Version, s.OrderIndex})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	var actor, action, target, decision, since string
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Query the attestation log",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := attest.Filter{Actor: actor, Target: target, Limit: limit}
			if action != "" {
				a, err := domain.ParseAction(action)
				if err != nil {
					return err
				}
				f.Action = a
			}
			if decision != "" {
				f.Decision = domain.DecisionKind(strings.ToUpper(decision))
			}
			if since != "" {
				t, err := parseSince(since, time.Now())
				if err != nil {
					return err
				}
				f.Since = t
			}
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				items := a.Registrar.Query(f)
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Time", "Actor", "Action", "Stream", "Decision", "Reason"})
				for _, it := range items {
					tw.AppendRow(table.Row{
						it.Seq,
						it.Timestamp.Format(time.RFC3339),
						it.Actor,
						it.Action,
						it.StreamID,
						it.Decision,
						text.Trim(it.Reason, 60),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	cmd.Flags().StringVar(&action, "action", "", "action filter")
	cmd.Flags().StringVar(&target, "target", "", "target or stream id filter")
	cmd.Flags().StringVar(&decision, "decision", "", "ALLOWED, DENIED or HALTED")
	cmd.Flags().StringVar(&since, "since", "", "RFC 3339 time or a duration such as 15m")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries")
	return cmd
}

// parseSince accepts an RFC 3339 timestamp or a duration relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since %q: want RFC 3339 time or duration", s)
	}
	return now.Add(-d), nil
}

func invariantsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invariants",
		Short: "List invariants in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				items := a.Registrar.Invariants()
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "ID", "Layer", "Severity", "Description"})
				for i, inv := range items {
					tw.AppendRow(table.Row{i + 1, inv.ID, inv.Layer, inv.Severity, inv.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
}
