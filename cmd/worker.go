package cmd

import (
	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the executor pool",
		Long: `Consumes tasks from the handoff queue with worker.concurrency browser
workers until interrupted. Expired sessions are cleaned and proxies are
health-checked periodically while it runs.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			manager, err := a.BrowserManager()
			if err != nil {
				return err
			}
			a.Dispatcher(manager).Run(cmd.Context())
			return nil
		},
	}
}
