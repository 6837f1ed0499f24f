//go:build linux

package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/Hara602/fanguard/internal/policy"
	"github.com/dustin/go-humanize"
)

type ruleCmd struct {
	Add    ruleAddCmd    `cmd:"" help:"Add or replace a path rule"`
	List   ruleListCmd   `cmd:"" help:"List path rules"`
	Remove ruleRemoveCmd `cmd:"" help:"Remove a path rule"`
}

type ruleAddCmd struct {
	Prefix string `arg:"" help:"Path prefix the rule applies to"`
	Action string `arg:"" enum:"allow,deny" help:"allow or deny"`
	Reason string `help:"Reason recorded with the rule"`
}

type ruleListCmd struct{}

type ruleRemoveCmd struct {
	Prefix string `arg:""`
}

type deviceCmd struct {
	Block deviceBlockCmd `cmd:"" help:"Add a device to the block list"`
	List  deviceListCmd  `cmd:"" help:"List blocked devices"`
}

type deviceBlockCmd struct {
	VendorID  string `arg:"" name:"vid" help:"USB vendor id, e.g. 0781"`
	ProductID string `arg:"" name:"pid" help:"USB product id"`
	Serial    string `arg:"" help:"Serial number"`
	Reason    string `help:"Reason recorded with the entry"`
}

type deviceListCmd struct{}

type auditCmd struct {
	Tail auditTailCmd `cmd:"" default:"1" help:"Show the most recent audit records"`
}

type auditTailCmd struct {
	Limit int `short:"n" default:"20" help:"Number of records"`
}

// withStore 打开数据库执行 fn；运行中的 agent 收到 SIGHUP 后才会重新加载规则
func (a *app) withStore(fn func(context.Context, *policy.Store) error) error {
	s, err := a.openStore()
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(context.Background(), s)
}

func (c *ruleAddCmd) Run(a *app) error {
	return a.withStore(func(ctx context.Context, s *policy.Store) error {
		if err := s.AddPathRule(ctx, c.Prefix, c.Action, c.Reason); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s %s\n", c.Action, c.Prefix)
		return nil
	})
}

func (c *ruleListCmd) Run(a *app) error {
	return a.withStore(func(ctx context.Context, s *policy.Store) error {
		rules, err := s.PathRules(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PREFIX\tACTION\tREASON\tCREATED")
		for _, r := range rules {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Prefix, r.Action, r.Reason, humanize.Time(r.CreatedAt))
		}
		return tw.Flush()
	})
}

func (c *ruleRemoveCmd) Run(a *app) error {
	return a.withStore(func(ctx context.Context, s *policy.Store) error {
		return s.RemovePathRule(ctx, c.Prefix)
	})
}

func (c *deviceBlockCmd) Run(a *app) error {
	return a.withStore(func(ctx context.Context, s *policy.Store) error {
		return s.BlockDevice(ctx, c.VendorID, c.ProductID, c.Serial, c.Reason)
	})
}

func (c *deviceListCmd) Run(a *app) error {
	return a.withStore(func(ctx context.Context, s *policy.Store) error {
		devices, err := s.BlockedDevices(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "VID\tPID\tSERIAL\tREASON\tBLOCKED")
		for _, d := range devices {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.VendorID, d.ProductID, d.Serial, d.Reason, humanize.Time(d.CreatedAt))
		}
		return tw.Flush()
	})
}

func (c *auditTailCmd) Run(a *app) error {
	return a.withStore(func(ctx context.Context, s *policy.Store) error {
		records, err := s.RecentAudit(ctx, c.Limit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "WHEN\tPID\tPROCESS\tOPERATION\tDECISION\tPATH\tREASON")
		for _, r := range records {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
				humanize.Time(r.At), r.PID, r.ProcName, r.Operation, r.Decision, r.Path, r.Reason)
		}
		return tw.Flush()
	})
}
