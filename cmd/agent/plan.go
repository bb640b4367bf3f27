package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"peer-sync/pkg/model"
	"peer-sync/pkg/reconcile"
	"peer-sync/pkg/wireguard"
)

// peerFile is the on-disk shape of a desired or current peer list.
type peerFile struct {
	Peers []model.Peer `yaml:"peers"`
}

func readPeers(path string) ([]model.Peer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var pf peerFile
	if err := dec.Decode(&pf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return pf.Peers, nil
}

func planCmd() *cobra.Command {
	var desiredFile, currentFile, iface string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the operations that would move an interface to a desired peer set",
		Long: "Reads the desired peers from a YAML file and the current peers from\n" +
			"another YAML file or, with --iface, from a live interface. Nothing is applied.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			peers, err := readPeers(desiredFile)
			if err != nil {
				return err
			}
			desired, err := reconcile.ParseDesired(peers)
			if err != nil {
				return reportProblems(cmd.ErrOrStderr(), err)
			}

			current := reconcile.NetworkState{}
			switch {
			case currentFile != "":
				peers, err := readPeers(currentFile)
				if err != nil {
					return err
				}
				if current, err = reconcile.ParseNetwork(peers); err != nil {
					return reportProblems(cmd.ErrOrStderr(), err)
				}
			case iface != "":
				dev, err := wireguard.Open(iface)
				if err != nil {
					return err
				}
				defer dev.Close()
				if current, err = dev.State(cmd.Context()); err != nil {
					return err
				}
			}

			ops, err := reconcile.Reconcile(current, desired)
			if err != nil {
				return reportProblems(cmd.ErrOrStderr(), err)
			}
			printPlan(cmd.OutOrStdout(), ops)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&desiredFile, "desired", "d", "", "YAML file with the desired peers")
	f.StringVarP(&currentFile, "current", "c", "", "YAML file with the current peers")
	f.StringVar(&iface, "iface", "", "read current peers from this interface")
	_ = cmd.MarkFlagRequired("desired")
	cmd.MarkFlagsMutuallyExclusive("current", "iface")
	return cmd
}

func printPlan(w io.Writer, ops []reconcile.Operation) {
	if len(ops) == 0 {
		fmt.Fprintln(w, "interface is up to date")
		return
	}
	for i, op := range ops {
		fmt.Fprintf(w, "%3d. %s\n", i+1, op)
	}
	c := reconcile.Summary(ops)
	fmt.Fprintf(w, "plan: %d to remove, %d to update, %d to add\n", c.Removed, c.Updated, c.Added)
}

func reportProblems(w io.Writer, err error) error {
	problems := reconcile.Problems(err)
	for _, p := range problems {
		fmt.Fprintf(w, "  - %v\n", p)
	}
	return fmt.Errorf("desired state rejected (%d problems)", len(problems))
}
