package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"xdao.co/sos/account"
	"xdao.co/sos/circle"
	"xdao.co/sos/concordance"
	"xdao.co/sos/keys"
	"xdao.co/sos/peer"
)

// circleFlags are shared by the circle file commands.
type circleFlags struct {
	device  string
	name    string
	out     string
	peerID  string
	userKey string
}

func newCircleCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "circle", Short: "Inspect and edit circle files"}
	cmd.AddCommand(
		newCircleCreateCmd(g),
		newCircleShowCmd(g),
		newCircleVerifyCmd(g),
		newCircleEditCmd(g, "request", "Apply for membership as --device", false, requestOp),
		newCircleEditCmd(g, "accept", "Accept applicant --peer as --device", true, acceptOp),
		newCircleEditCmd(g, "reject", "Reject applicant --peer as --device", true, rejectOp),
		newCircleEditCmd(g, "remove", "Remove member --peer as --device", true, removeOp),
	)
	return cmd
}

// device loads the local identity for id. Records are deterministic, so the
// same key and gestalt always yield the same record.
func (g *globals) device(id string) (*peer.FullPeerInfo, error) {
	if id == "" {
		return nil, usagef("missing --device")
	}
	ks, err := g.keyStore()
	if err != nil {
		return nil, err
	}
	signer, err := ks.LoadDeviceKey(id)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", id, err)
	}
	return peer.NewFullPeerInfo(signer, map[string]string{peer.GestaltDeviceName: id}, account.DefaultViews)
}

func readCircle(path string) (*circle.Circle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := circle.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// writeCircle writes canonical bytes to path, or to out without a trailing
// newline when path is empty or "-".
func writeCircle(c *circle.Circle, path string, out io.Writer) error {
	raw, err := c.Encode()
	if err != nil {
		return err
	}
	if path == "" || path == "-" {
		_, err = out.Write(raw)
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func newCircleCreateCmd(g *globals) *cobra.Command {
	f := &circleFlags{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a circle offered by --device",
		Args:  exactArgs(0, "sosctl circle create --name <circle> --device <id> [--out <file>]"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.name == "" {
				return usagef("missing --name")
			}
			fp, err := g.device(f.device)
			if err != nil {
				return err
			}
			user, err := g.userKey(f.name)
			if err != nil {
				return err
			}
			empty, err := circle.New(f.name)
			if err != nil {
				return err
			}
			c, err := empty.ResetToOffering(user, fp)
			if err != nil {
				return err
			}
			return writeCircle(c, f.out, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.name, "name", "", "Circle name")
	cmd.Flags().StringVar(&f.device, "device", "", "Offering device key name")
	cmd.Flags().StringVarP(&f.out, "out", "o", "", "Output file (default stdout)")
	return cmd
}

func newCircleShowCmd(g *globals) *cobra.Command {
	f := &circleFlags{}
	cmd := &cobra.Command{
		Use:   "show <file>",
		Short: "Summarize a circle file",
		Args:  exactArgs(1, "sosctl circle show <file> [--user-key <key>]"),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := readCircle(args[0])
			if err != nil {
				return err
			}
			userPub, err := g.resolveUserPub(f.userKey, c.Name(), false)
			if err != nil {
				return err
			}
			id, err := c.CID()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Circle: %s\nGeneration: %d\nCID: %s\n", c.Name(), c.Generation(), id)
			if !userPub.IsZero() {
				fmt.Fprintf(out, "User signature: %s\n", verdictWord(c.Verify(userPub)))
			}
			for p := range c.Peers() {
				state := "member"
				if c.VerifyPeerSigned(p) {
					state = "concurring"
				}
				if p.IsRetired() {
					state += ", retired"
				}
				fmt.Fprintf(out, "Peer: %s [%s]\n", p, state)
			}
			for p := range c.Applicants() {
				fmt.Fprintf(out, "Applicant: %s\n", p)
			}
			for p := range c.Rejected() {
				fmt.Fprintf(out, "Rejected: %s\n", p)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.userKey, "user-key", "", "User public key string (default: derive from the account secret when available)")
	return cmd
}

func newCircleVerifyCmd(g *globals) *cobra.Command {
	f := &circleFlags{}
	cmd := &cobra.Command{
		Use:   "verify <file>",
		Short: "Check the user signature and every concurrence",
		Args:  exactArgs(1, "sosctl circle verify <file> [--user-key <key>]"),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := readCircle(args[0])
			if err != nil {
				return err
			}
			userPub, err := g.resolveUserPub(f.userKey, c.Name(), true)
			if err != nil {
				return err
			}
			if !c.Verify(userPub) {
				return fmt.Errorf("invalid: user signature does not verify")
			}
			for _, slot := range c.SignatureSlots() {
				if slot == circle.UserSlot {
					continue
				}
				p, ok := c.Peer(slot)
				if !ok {
					// A departed member; its key is only in earlier circles.
					fmt.Fprintf(cmd.OutOrStdout(), "Departed: %s\n", slot)
					continue
				}
				if !c.VerifyPeerSigned(p) {
					return fmt.Errorf("invalid: signature of %s does not verify", slot)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&f.userKey, "user-key", "", "User public key string (default: derive from the account secret)")
	return cmd
}

// resolveUserPub parses an explicit key string or derives the key from the
// account secret. When required is false a missing secret yields a zero key.
func (g *globals) resolveUserPub(explicit, circleName string, required bool) (keys.PublicKey, error) {
	if explicit != "" {
		pub, err := keys.ParsePublicKey(explicit)
		if err != nil {
			return keys.PublicKey{}, usagef("invalid --user-key: %v", err)
		}
		return pub, nil
	}
	if !required && g.secretFile == "" && os.Getenv("SOS_SECRET") == "" {
		return keys.PublicKey{}, nil
	}
	k, err := g.userKey(circleName)
	if err != nil {
		return keys.PublicKey{}, err
	}
	return k.Public(), nil
}

type editOp func(c *circle.Circle, user keys.Signer, me *peer.FullPeerInfo, target string) (*circle.Circle, error)

func newCircleEditCmd(g *globals, use, short string, needsPeer bool, op editOp) *cobra.Command {
	f := &circleFlags{}
	usage := "sosctl circle " + use + " <file> --device <id> [--out <file>]"
	if needsPeer {
		usage = "sosctl circle " + use + " <file> --device <id> --peer <peer-id> [--out <file>]"
	}
	cmd := &cobra.Command{
		Use:   use + " <file>",
		Short: short,
		Args:  exactArgs(1, usage),
		RunE: func(cmd *cobra.Command, args []string) error {
			if needsPeer && f.peerID == "" {
				return usagef("missing --peer")
			}
			c, err := readCircle(args[0])
			if err != nil {
				return err
			}
			me, err := g.device(f.device)
			if err != nil {
				return err
			}
			user, err := g.userKey(c.Name())
			if err != nil {
				return err
			}
			next, err := op(c, user, me, f.peerID)
			if err != nil {
				return err
			}
			return writeCircle(next, f.out, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.device, "device", "", "Acting device key name")
	cmd.Flags().StringVarP(&f.out, "out", "o", "", "Output file (default stdout)")
	if needsPeer {
		cmd.Flags().StringVar(&f.peerID, "peer", "", "Target peer ID")
	}
	return cmd
}

func requestOp(c *circle.Circle, user keys.Signer, me *peer.FullPeerInfo, _ string) (*circle.Circle, error) {
	if c.HasRejected(me.ID()) {
		next, err := c.RequestReadmission(user.Public(), me)
		if err != nil {
			return nil, err
		}
		return next.GenerationSign(user, nil)
	}
	return c.RequestAdmission(user, me)
}

func acceptOp(c *circle.Circle, user keys.Signer, me *peer.FullPeerInfo, target string) (*circle.Circle, error) {
	p, ok := c.Applicant(target)
	if !ok {
		return nil, fmt.Errorf("no applicant %s", target)
	}
	return c.AcceptRequest(user, me, p)
}

func rejectOp(c *circle.Circle, user keys.Signer, me *peer.FullPeerInfo, target string) (*circle.Circle, error) {
	p, ok := c.Applicant(target)
	if !ok {
		return nil, fmt.Errorf("no applicant %s", target)
	}
	next, err := c.RejectRequest(me, p)
	if err != nil {
		return nil, err
	}
	return next.GenerationSign(user, me)
}

func removeOp(c *circle.Circle, user keys.Signer, me *peer.FullPeerInfo, target string) (*circle.Circle, error) {
	p, ok := c.Peer(target)
	if !ok {
		return nil, fmt.Errorf("no member %s", target)
	}
	return c.RemovePeer(user, me, p)
}

func newConcordanceCmd(g *globals) *cobra.Command {
	f := &circleFlags{}
	cmd := &cobra.Command{
		Use:   "concordance <known> <proposed>",
		Short: "Evaluate a proposed circle against a known one",
		Long: `Evaluate a proposed circle against a known one.

Prints the concordance status on the first line, followed by the evidence.
Exits 0 for Trusted and WeSigned, 1 otherwise. Pass "-" as <known> when
nothing is trusted yet.`,
		Args: exactArgs(2, "sosctl concordance <known|-> <proposed> [--device <id>] [--user-key <key>]"),
		RunE: func(cmd *cobra.Command, args []string) error {
			var known *circle.Circle
			if args[0] != "-" {
				var err error
				if known, err = readCircle(args[0]); err != nil {
					return err
				}
			}
			proposed, err := readCircle(args[1])
			if err != nil {
				return err
			}
			userPub, err := g.resolveUserPub(f.userKey, proposed.Name(), true)
			if err != nil {
				return err
			}
			var me *peer.PeerInfo
			if f.device != "" {
				fp, err := g.device(f.device)
				if err != nil {
					return err
				}
				me = fp.PeerInfo()
			}
			v := concordance.Evaluate(known, proposed, userPub, keys.PublicKey{}, me)
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, v.Status)
			fmt.Fprintf(out, "Known-Generation: %d\nProposed-Generation: %d\n", v.KnownGeneration, v.ProposedGeneration)
			for _, id := range v.Signers {
				fmt.Fprintf(out, "Signed: %s\n", id)
			}
			for _, id := range v.Missing {
				fmt.Fprintf(out, "Missing: %s\n", id)
			}
			for _, id := range v.Invalid {
				fmt.Fprintf(out, "Invalid: %s\n", id)
			}
			if v.Reason != "" {
				fmt.Fprintf(out, "Reason: %s\n", v.Reason)
			}
			if !v.Status.Accepted() {
				return fmt.Errorf("not accepted: %s", v.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.device, "device", "", "Evaluating device key name")
	cmd.Flags().StringVar(&f.userKey, "user-key", "", "User public key string (default: derive from the account secret)")
	return cmd
}

func verdictWord(ok bool) string {
	if ok {
		return "valid"
	}
	return "INVALID"
}
