package main

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/psaab/netfw/pkg/api"
	"github.com/psaab/netfw/pkg/cmdtree"
	"github.com/psaab/netfw/pkg/config"
	"github.com/psaab/netfw/pkg/grpcapi"
)

type ctl struct {
	client  *grpcapi.Client
	out     io.Writer
	timeout time.Duration
}

func (c *ctl) dispatch(args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	cmd, args := args[0], args[1:]
	switch cmd {
	case "status":
		return c.status(ctx)
	case "rules":
		return c.rules(ctx)
	case "load":
		if len(args) < 1 {
			return fmt.Errorf("usage: load <file> [comment]")
		}
		return c.load(ctx, args[0], strings.Join(args[1:], " "))
	case "batch":
		if len(args) != 1 {
			return fmt.Errorf("usage: batch <file>")
		}
		return c.batch(ctx, args[0])
	case "check":
		if len(args) != 1 {
			return fmt.Errorf("usage: check <file>")
		}
		return c.check(ctx, args[0])
	case "rollback":
		n := 1
		if len(args) > 0 {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("rollback: %w", err)
			}
			n = v
		}
		return c.client.Rollback(ctx, n)
	case "default-action":
		req, err := parseDefaultAction(args)
		if err != nil {
			return err
		}
		return c.client.SetDefaultAction(ctx, req)
	case "current-user":
		if len(args) != 1 {
			return fmt.Errorf("usage: current-user <id>")
		}
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("current-user: %w", err)
		}
		return c.client.SetCurrentUser(ctx, uint32(id))
	case "clear":
		kind := "all"
		if len(args) > 0 {
			kind = args[0]
		}
		return c.client.Clear(ctx, kind)
	case "classify":
		req, err := parseClassify(args)
		if err != nil {
			return err
		}
		return c.classify(ctx, req)
	case "domains":
		if len(args) != 1 {
			return fmt.Errorf("usage: domains <file>")
		}
		rs, err := config.LoadRuleSet(args[0])
		if err != nil {
			return err
		}
		return c.client.SetDomainRules(ctx, rs.DomainRules)
	case "query":
		return c.query(ctx, args)
	case "events":
		req := grpcapi.EventsRequest{Limit: 50}
		if len(args) > 0 {
			req.Type = args[0]
		}
		return c.events(ctx, req)
	case "help":
		cmdtree.WriteUsage(c.out, cmdtree.Tree)
		return nil
	case "exit", "quit":
		return errExit
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

func (c *ctl) status(ctx context.Context) error {
	st, err := c.client.Status(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Uptime:\t%s\n", st.Uptime)
	fmt.Fprintf(tw, "Rules:\t%d (pending %d)\n", st.Rules, st.PendingRules)
	fmt.Fprintf(tw, "Domain rules:\t%d (%d entries, %d cached addresses)\n", st.DomainRules, st.DomainEntries, st.CachedAddrs)
	fmt.Fprintf(tw, "Default action:\tingress %s, egress %s\n", st.Defaults.Ingress, st.Defaults.Egress)
	for _, u := range st.UserDefaults {
		fmt.Fprintf(tw, "  user %d:\tingress %s, egress %s\n", u.UserID, u.Ingress, u.Egress)
	}
	fmt.Fprintf(tw, "Current user:\t%d\n", st.CurrentUser)
	fmt.Fprintf(tw, "Compiles:\t%d (errors %d, flush errors %d, last took %s)\n",
		st.Compiles, st.CompileErrors, st.FlushErrors, st.LastDuration)
	tw.Flush()

	for _, d := range st.Directions {
		names := make([]string, 0, len(d.Tables))
		for name := range d.Tables {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s=%d", name, d.Tables[name]))
		}
		fmt.Fprintf(c.out, "%s: %d rules, %d flushes, %s\n", d.Direction, d.Rules, d.Flushes, strings.Join(parts, " "))
	}
	return nil
}

func (c *ctl) rules(ctx context.Context) error {
	rs, err := c.client.GetRules(ctx)
	if err != nil {
		return err
	}
	data, err := config.MarshalRuleSet(&rs.RuleSet)
	if err != nil {
		return err
	}
	_, err = c.out.Write(data)
	return err
}

func (c *ctl) load(ctx context.Context, path, comment string) error {
	rs, err := config.LoadRuleSet(path)
	if err != nil {
		return err
	}
	if comment == "" {
		comment = "load " + path
	}
	if err := c.client.SetRules(ctx, &api.RulesRequest{RuleSet: *rs, Comment: comment}); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "loaded %d rules, %d domain rules\n", len(rs.Rules), len(rs.DomainRules))
	return nil
}

// batch queues a rule file; the next load installs it together with
// its own rules.
func (c *ctl) batch(ctx context.Context, path string) error {
	rs, err := config.LoadRuleSet(path)
	if err != nil {
		return err
	}
	if err := c.client.SetRules(ctx, &api.RulesRequest{RuleSet: *rs, Partial: true}); err != nil {
		return err
	}
	st, err := c.client.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "queued %d rules (%d pending)\n", len(rs.Rules), st.PendingRules)
	return nil
}

func (c *ctl) check(ctx context.Context, path string) error {
	rs, err := config.LoadRuleSet(path)
	if err != nil {
		return err
	}
	resp, err := c.client.CheckRules(ctx, &api.RulesRequest{RuleSet: *rs})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "configuration check succeeds (%d rules, %d domain rules)\n", resp.Rules, resp.DomainRules)
	fmt.Fprint(c.out, resp.Diff)
	return nil
}

func (c *ctl) classify(ctx context.Context, req api.ClassifyRequest) error {
	resp, err := c.client.Classify(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s (%s)", resp.Action, resp.Reason)
	if resp.Rule >= 0 {
		fmt.Fprintf(c.out, " rule %d", resp.Rule)
		if resp.RuleName != "" {
			fmt.Fprintf(c.out, " %q", resp.RuleName)
		}
	}
	fmt.Fprintln(c.out)
	if len(resp.Candidates) > 0 {
		fmt.Fprintf(c.out, "candidates: %v\n", resp.Candidates)
	}
	return nil
}

func (c *ctl) query(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return fmt.Errorf("usage: query <name> [user] [app]")
	}
	var ids [2]uint32
	for i, a := range args[1:] {
		v, err := strconv.ParseUint(a, 10, 32)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		ids[i] = uint32(v)
	}
	ok, err := c.client.QueryAllowed(ctx, args[0], ids[0], ids[1])
	if err != nil {
		return err
	}
	if ok {
		fmt.Fprintln(c.out, "allowed")
	} else {
		fmt.Fprintln(c.out, "denied")
	}
	return nil
}

func (c *ctl) events(ctx context.Context, req grpcapi.EventsRequest) error {
	events, err := c.client.ListEvents(ctx, req)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, e := range events {
		detail := e.Detail
		if e.Error != "" {
			detail = strings.TrimSpace(detail + " err=" + e.Error)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", e.Time, e.Type, e.Direction, e.Rules, detail)
	}
	return tw.Flush()
}

// parseDefaultAction parses "<user|global> <ingress> <egress>".
func parseDefaultAction(args []string) (api.DefaultActionRequest, error) {
	if len(args) != 3 {
		return api.DefaultActionRequest{}, fmt.Errorf("usage: default-action <user|global> <ingress> <egress>")
	}
	req := api.DefaultActionRequest{UserID: -1, Ingress: args[1], Egress: args[2]}
	if args[0] != "global" {
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return req, fmt.Errorf("default-action: user %q: %w", args[0], err)
		}
		req.UserID = int64(id)
	}
	return req, nil
}

// parseClassify parses "<dir> <proto> <src[:port]> <dst[:port]> [key=N...]".
func parseClassify(args []string) (api.ClassifyRequest, error) {
	var req api.ClassifyRequest
	if len(args) < 4 {
		return req, fmt.Errorf("usage: classify <dir> <proto> <src[:port]> <dst[:port]> [uid=N] [user=N] [app=N]")
	}
	req.Direction, req.Protocol = args[0], args[1]

	var err error
	if req.Src, req.SrcPort, err = parseEndpoint(args[2]); err != nil {
		return req, fmt.Errorf("src: %w", err)
	}
	if req.Dst, req.DstPort, err = parseEndpoint(args[3]); err != nil {
		return req, fmt.Errorf("dst: %w", err)
	}
	for _, kv := range args[4:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return req, fmt.Errorf("expected key=value, got %q", kv)
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return req, fmt.Errorf("%s: %w", k, err)
		}
		switch k {
		case "uid":
			req.UID = uint32(n)
		case "user":
			req.UserID = uint32(n)
		case "app":
			req.AppUID = uint32(n)
		default:
			return req, fmt.Errorf("unknown key %q (uid, user, app)", k)
		}
	}
	return req, nil
}

// parseEndpoint accepts an address with or without a port. IPv6 with a
// port uses brackets.
func parseEndpoint(s string) (string, uint16, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().String(), ap.Port(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return "", 0, err
	}
	return a.String(), 0, nil
}
