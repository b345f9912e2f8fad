// Command pios runs one node of the system: it loads a cluster config,
// brings up the node's process table, page manager, and migrator, and
// serves the run/migrate-to/fork subcommands a real deployment would
// script around a node, grounded on the pack's convention of a single
// cobra-driven main wiring a runnable service from flags.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/khannotations/pios/internal/defs"
	"github.com/khannotations/pios/internal/node"
	"github.com/khannotations/pios/internal/proc"
)

var (
	configPath string
	logLevel   string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pios",
		Short: "Run and administer a node of the determinate-parallel process substrate",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "cluster.yaml", "path to this node's cluster config")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "logrus level (debug, info, warn, error)")

	root.AddCommand(runCmd(), migrateToCmd(), forkCmd())
	return root
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(logLevel); err == nil {
		log.SetLevel(lvl)
	}
	return log
}

func loadNode() (*node.Node, error) {
	cfg, err := node.LoadClusterConfig(configPath)
	if err != nil {
		return nil, err
	}
	return node.New(cfg, newLogger())
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start this node's network receive loop and block",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := loadNode()
			if err != nil {
				return err
			}
			defer n.Close()
			n.Run()
			return nil
		},
	}
}

func migrateToCmd() *cobra.Command {
	var pid int
	var dst int
	c := &cobra.Command{
		Use:   "migrate-to",
		Short: "Migrate a root-owned child process to another node by id",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := loadNode()
			if err != nil {
				return err
			}
			defer n.Close()
			p, ok := n.Procs.Lookup(pid)
			if !ok {
				return fmt.Errorf("pios: no such process %d on this node", pid)
			}
			n.Mig.MigrateOut(p, defs.NodeID(dst), nil)
			return nil
		},
	}
	c.Flags().IntVar(&pid, "pid", 0, "process id to migrate")
	c.Flags().IntVar(&dst, "dst", 0, "destination node id")
	return c
}

func forkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fork",
		Short: "Fork a no-op child off the root process and wait for it, as a sanity check",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := loadNode()
			if err != nil {
				return err
			}
			defer n.Close()

			root := n.Procs.Root
			child, forkErr := n.Fork(root, func(p *proc.Proc) {
				proc.Ret(p, 0, true)
			})
			if forkErr != 0 {
				return fmt.Errorf("pios: fork: errno %d", forkErr)
			}

			status, waitErr := n.Wait(root, child)
			if waitErr != 0 {
				return fmt.Errorf("pios: wait: errno %d", waitErr)
			}
			if status != defs.WEXITED {
				return fmt.Errorf("pios: fork: child exited with unexpected status %#x", status)
			}
			fmt.Println("pios: fork: child ran and exited cleanly")
			return nil
		},
	}
}
