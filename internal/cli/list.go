package cli

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"portless/internal/daemon"
	"portless/internal/hostname"
	"portless/internal/routes"
	"portless/internal/state"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered apps",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		cfgDir, err := state.Locate(state.DefaultPort)
		if err != nil {
			return err
		}
		cfg := state.LoadConfig(cfgDir.Path, log)
		info := daemon.Discover(state.ProxyPort(cfg))

		table := routes.NewStore(info.Dir, log).Load()
		if len(table) == 0 {
			fmt.Println("No apps registered.")
			return nil
		}
		sort.Slice(table, func(i, j int) bool { return table[i].Hostname < table[j].Hostname })

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "URL\tBACKEND\tPID")
		for _, r := range table {
			fmt.Fprintf(w, "%s\t127.0.0.1:%d\t%d\n", hostname.DisplayURL(r.Hostname, info.Port, info.TLS), r.Port, r.Pid)
		}
		return w.Flush()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		cfgDir, err := state.Locate(state.DefaultPort)
		if err != nil {
			return err
		}
		cfg := state.LoadConfig(cfgDir.Path, log)
		info := daemon.Discover(state.ProxyPort(cfg))

		if !info.Running {
			fmt.Printf("No proxy is running. It would start on port %d with state in %s.\n", info.Port, info.Dir.Path)
			return nil
		}
		scheme := "http"
		if info.TLS {
			scheme = "https"
		}
		count := len(routes.NewStore(info.Dir, log).Load())
		fmt.Printf("Proxy running: pid %d, %s://*.localhost:%d, %d app(s), state in %s\n",
			info.Pid, scheme, info.Port, count, info.Dir.Path)
		return nil
	},
}
