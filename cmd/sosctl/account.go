package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"xdao.co/sos/account"
	"xdao.co/sos/concordance"
	"xdao.co/sos/internal/logging"
	"xdao.co/sos/keys"
	"xdao.co/sos/peer"
	"xdao.co/sos/storage"
	"xdao.co/sos/storage/bundle"
	"xdao.co/sos/storage/localfs"
	"xdao.co/sos/storage/sqlite"
	"xdao.co/sos/transport/grpcrelay"
)

// session is an AccountTrust opened from the configuration together with the
// resources it holds.
type session struct {
	acct    *account.AccountTrust
	archive storage.CAS
	log     *logging.Logger
	closer  []io.Closer
}

func (s *session) Close() {
	_ = s.log.Sync()
	for i := len(s.closer) - 1; i >= 0; i-- {
		_ = s.closer[i].Close()
	}
}

// open restores the account from the state database and makes sure the
// device identity exists. needKey requires the account secret.
func (g *globals) open(ctx context.Context, needKey bool) (*session, error) {
	conf, err := g.config()
	if err != nil {
		return nil, err
	}
	ks, err := keys.CreateKeyStore(conf.KeyDir)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(conf.Logger)
	if err != nil {
		return nil, err
	}
	s := &session{log: log}
	fail := func(err error) (*session, error) {
		s.Close()
		return nil, err
	}

	state, err := sqlite.Open(conf.StateDB)
	if err != nil {
		return fail(fmt.Errorf("open state: %w", err))
	}
	s.closer = append(s.closer, state)
	archive, err := localfs.New(conf.ArchiveDir)
	if err != nil {
		return fail(fmt.Errorf("open archive: %w", err))
	}
	relay, err := grpcrelay.Dial(conf.Relay.Target, grpcrelay.DialOptions{
		Timeout:     conf.Relay.Timeout,
		MaxMsgBytes: conf.Relay.MaxMsgBytes,
	})
	if err != nil {
		return fail(fmt.Errorf("dial relay: %w", err))
	}
	relay.Timeout = conf.Relay.Timeout
	s.closer = append(s.closer, relay)

	opts := account.Options{
		CircleName: conf.Circle,
		Identities: ks,
		Transport:  relay,
		Archive:    archive,
		State:      state,
		Compliance: conf.Mode(),
		Log:        log,
	}
	user, err := g.userKey(conf.Circle)
	switch {
	case err == nil:
		opts.UserKey = user
	case needKey:
		return fail(err)
	}

	acct, err := account.New(ctx, opts)
	if err != nil {
		return fail(err)
	}
	name := conf.Device.Name
	if name == "" {
		name = conf.Device.ID
	}
	if _, err := acct.EnsureFullPeerAvailable(ctx, map[string]string{peer.GestaltDeviceName: name}, conf.Device.ID, nil); err != nil {
		return fail(err)
	}
	s.acct, s.archive = acct, archive
	return s, nil
}

// accountAction runs fn against an opened account.
func accountAction(g *globals, needKey bool, fn func(ctx context.Context, cmd *cobra.Command, a *account.AccountTrust, args []string) error) func(*cobra.Command, []string) error {
	return sessionAction(g, needKey, func(ctx context.Context, cmd *cobra.Command, s *session, args []string) error {
		return fn(ctx, cmd, s.acct, args)
	})
}

func sessionAction(g *globals, needKey bool, fn func(ctx context.Context, cmd *cobra.Command, s *session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		s, err := g.open(ctx, needKey)
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(ctx, cmd, s, args)
	}
}

func newAccountCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "account", Short: "Drive this device's account trust state"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "offer",
			Short: "Start a new generation of the circle with this device as its only member",
			Args:  exactArgs(0, "sosctl account offer"),
			RunE: accountAction(g, true, func(ctx context.Context, cmd *cobra.Command, a *account.AccountTrust, _ []string) error {
				if err := a.ResetToOffering(ctx); err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), a)
			}),
		},
		&cobra.Command{
			Use:   "join",
			Short: "Fetch the published circle and apply for membership",
			Args:  exactArgs(0, "sosctl account join"),
			RunE: accountAction(g, true, func(ctx context.Context, cmd *cobra.Command, a *account.AccountTrust, _ []string) error {
				if a.TrustedCircle() == nil {
					if _, err := a.Sync(ctx); err != nil && a.TrustedCircle() == nil {
						return err
					}
				}
				if err := a.RequestToJoin(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied: %s\n", a.Me().ID())
				return nil
			}),
		},
		&cobra.Command{
			Use:   "sync",
			Short: "Fetch and evaluate the latest published circle",
			Args:  exactArgs(0, "sosctl account sync"),
			RunE: accountAction(g, false, func(ctx context.Context, cmd *cobra.Command, a *account.AccountTrust, _ []string) error {
				out, err := a.Sync(ctx)
				if errors.Is(err, account.ErrNoCircle) {
					fmt.Fprintln(cmd.OutOrStdout(), "Nothing published")
					return nil
				}
				if err != nil {
					return err
				}
				verdict := "rejected"
				if out.Accepted {
					verdict = "accepted"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", out.Status, verdict)
				if out.Reason != "" && out.Status != concordance.StatusTrusted {
					fmt.Fprintf(cmd.OutOrStdout(), "Reason: %s\n", out.Reason)
				}
				return nil
			}),
		},
		peerActionCmd(g, "accept", "Admit a pending applicant", (*account.AccountTrust).AcceptApplicant),
		peerActionCmd(g, "reject", "Refuse a pending applicant", (*account.AccountTrust).RejectApplicant),
		peerActionCmd(g, "remove", "Remove a member", (*account.AccountTrust).RemovePeer),
		peerActionCmd(g, "forget", "Drop a peer from the rejected set", (*account.AccountTrust).ForgetRejected),
		&cobra.Command{
			Use:   "withdraw",
			Short: "Withdraw this device's pending application",
			Args:  exactArgs(0, "sosctl account withdraw"),
			RunE: accountAction(g, true, func(ctx context.Context, _ *cobra.Command, a *account.AccountTrust, _ []string) error {
				return a.WithdrawApplication(ctx)
			}),
		},
		&cobra.Command{
			Use:   "leave",
			Short: "Retire this device from the circle",
			Args:  exactArgs(0, "sosctl account leave"),
			RunE: accountAction(g, false, func(ctx context.Context, cmd *cobra.Command, a *account.AccountTrust, _ []string) error {
				if err := a.Leave(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Retired: %s\n", a.Me().ID())
				return nil
			}),
		},
		&cobra.Command{
			Use:   "cleanup",
			Short: "Remove retired members",
			Args:  exactArgs(0, "sosctl account cleanup"),
			RunE: accountAction(g, true, func(ctx context.Context, _ *cobra.Command, a *account.AccountTrust, _ []string) error {
				return a.CleanupRetirees(ctx)
			}),
		},
		&cobra.Command{
			Use:   "export <file>",
			Short: "Write every accepted circle to a bundle",
			Args:  exactArgs(1, "sosctl account export <file>"),
			RunE: sessionAction(g, false, func(ctx context.Context, cmd *cobra.Command, s *session, args []string) error {
				h, err := s.acct.History(ctx)
				if err != nil {
					return err
				}
				f, err := os.Create(args[0])
				if err != nil {
					return err
				}
				if err := bundle.Export(f, s.archive, bundle.FromHistory(s.acct.Name(), h)); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported: %d circles\n", len(h))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "import <file>",
			Short: "Load a bundle's circles into the local archive",
			Args:  exactArgs(1, "sosctl account import <file>"),
			RunE: sessionAction(g, false, func(_ context.Context, cmd *cobra.Command, s *session, args []string) error {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				idx, err := bundle.Import(f, s.archive)
				if err != nil {
					return err
				}
				if idx.Circle != s.acct.Name() {
					return fmt.Errorf("bundle belongs to circle %s", idx.Circle)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported: %d circles\n", len(idx.Entries))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the trusted circle and this device's standing",
			Args:  exactArgs(0, "sosctl account status"),
			RunE: accountAction(g, false, func(_ context.Context, cmd *cobra.Command, a *account.AccountTrust, _ []string) error {
				return printStatus(cmd.OutOrStdout(), a)
			}),
		},
	)
	return cmd
}

func peerActionCmd(g *globals, use, short string, fn func(*account.AccountTrust, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <peer-id>",
		Short: short,
		Args:  exactArgs(1, "sosctl account "+use+" <peer-id>"),
		RunE: accountAction(g, true, func(ctx context.Context, cmd *cobra.Command, a *account.AccountTrust, args []string) error {
			if err := fn(a, ctx, args[0]); err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), a)
		}),
	}
}

func printStatus(out io.Writer, a *account.AccountTrust) error {
	me := a.Me()
	fmt.Fprintf(out, "Circle: %s\n", a.Name())
	if me != nil {
		fmt.Fprintf(out, "Device: %s\n", me.ID())
	}
	fmt.Fprintf(out, "Active: %t\n", a.IsMyPeerActive())
	fmt.Fprintf(out, "Departure: %s\n", a.DepartureCode())
	c := a.TrustedCircle()
	if c == nil {
		fmt.Fprintln(out, "Trusted: none")
		return nil
	}
	id, err := c.CID()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Trusted: %s\nGeneration: %d\n", id, c.Generation())
	for p := range c.Peers() {
		fmt.Fprintf(out, "Peer: %s\n", p)
	}
	for p := range c.Applicants() {
		fmt.Fprintf(out, "Applicant: %s\n", p)
	}
	for p := range c.Rejected() {
		fmt.Fprintf(out, "Rejected: %s\n", p)
	}
	return nil
}
