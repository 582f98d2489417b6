package main

import (
	"crypto/rand"
	"fmt"

	"github.com/spf13/cobra"

	"xdao.co/sos/cidutil"
	"xdao.co/sos/keys"
)

func newKeyCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "key", Short: "Local device key management"}
	cmd.AddCommand(newKeyInitCmd(g), newKeyListCmd(g), newKeyShowCmd(g), newKeyUserCmd(g))
	return cmd
}

func newKeyInitCmd(g *globals) *cobra.Command {
	var name, alg, seedHex string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a device key",
		Args:  exactArgs(0, "sosctl key init --name <name> [--alg ed25519|dilithium3] [--seed-hex <64hex>] [--force]"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" {
				return usagef("missing --name")
			}
			if err := keys.CheckKeyName(name); err != nil {
				return usagef("invalid --name: %v", err)
			}
			ks, err := g.keyStore()
			if err != nil {
				return err
			}
			var seed []byte
			if seedHex != "" {
				if seed, err = keys.ParseSeedHex(seedHex); err != nil {
					return usagef("invalid --seed-hex: %v", err)
				}
			} else if _, seed, err = keys.Generate(alg, rand.Reader); err != nil {
				return err
			}
			key, err := ks.InitializeDeviceKey(name, alg, seed, force)
			if err != nil {
				return fmt.Errorf("write key: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created device key: %s\n", key.Public())
			fmt.Fprintf(out, "Peer-ID: %s\n", cidutil.PeerID(key.Public().String()))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Device key name")
	cmd.Flags().StringVar(&alg, "alg", keys.AlgEd25519, "Key algorithm (ed25519 or dilithium3)")
	cmd.Flags().StringVar(&seedHex, "seed-hex", "", "Optional seed as 64 hex chars (for reproducible demos)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing key")
	return cmd
}

func newKeyListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored device keys",
		Args:  exactArgs(0, "sosctl key list"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ks, err := g.keyStore()
			if err != nil {
				return err
			}
			entries, err := ks.ListKeys()
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", e.Name, e.Alg)
			}
			return nil
		},
	}
}

func newKeyShowCmd(g *globals) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print a device's public key and peer ID",
		Args:  exactArgs(0, "sosctl key show --name <name>"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" {
				return usagef("missing --name")
			}
			ks, err := g.keyStore()
			if err != nil {
				return err
			}
			pub, err := ks.ExportKey(name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Key: %s\nPeer-ID: %s\n", pub, cidutil.PeerID(pub))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Device key name")
	return cmd
}

func newKeyUserCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "user <circle>",
		Short: "Print the account user public key derived from the account secret",
		Args:  exactArgs(1, "sosctl key user <circle>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := g.userKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), k.Public())
			return nil
		},
	}
}
