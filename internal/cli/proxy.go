package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"portless/internal/daemon"
	"portless/internal/state"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Manage the proxy daemon",
}

var proxyStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()

		port, _ := cmd.Flags().GetInt("port")
		https, _ := cmd.Flags().GetBool("https")
		noTLS, _ := cmd.Flags().GetBool("no-tls")
		certFile, _ := cmd.Flags().GetString("cert")
		keyFile, _ := cmd.Flags().GetString("key")
		foreground, _ := cmd.Flags().GetBool("foreground")

		dirForConfig, err := state.Locate(state.DefaultPort)
		if err != nil {
			return err
		}
		cfg := state.LoadConfig(dirForConfig.Path, log)

		if port == 0 {
			port = state.ProxyPort(cfg)
		}
		tls := https || cfg.HTTPS || state.HTTPSForced()
		if noTLS {
			tls = false
		}
		if certFile == "" {
			certFile, keyFile = cfg.Cert, cfg.Key
		}
		if (certFile == "") != (keyFile == "") {
			return fmt.Errorf("--cert and --key must be given together")
		}

		dir, err := state.Locate(port)
		if err != nil {
			return err
		}
		opts := daemon.Options{
			Port:     port,
			TLS:      tls,
			CertFile: certFile,
			KeyFile:  keyFile,
			Dir:      dir,
			Log:      log,
		}
		if foreground {
			return daemon.Run(opts)
		}
		if err := daemon.Daemonize(opts); err != nil {
			return err
		}
		scheme := "http"
		if tls {
			scheme = "https"
		}
		fmt.Printf("portless proxy running on %s://*.localhost:%d\n", scheme, port)
		return nil
	},
}

var proxyStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the proxy daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()

		dirForConfig, err := state.Locate(state.DefaultPort)
		if err != nil {
			return err
		}
		cfg := state.LoadConfig(dirForConfig.Path, log)
		port := state.ProxyPort(cfg)

		info := daemon.Discover(port)
		if err := daemon.Stop(info.Dir, log); err != nil {
			return err
		}
		if !info.Running {
			// Also clear the sibling root in case a daemon on the other
			// siting left artifacts behind.
			otherPort := 80
			if info.Dir.System {
				otherPort = 1024
			}
			if other, err := state.Locate(otherPort); err == nil && other.Path != info.Dir.Path {
				if _, statErr := os.Stat(other.PidPath()); statErr == nil {
					return daemon.Stop(other, log)
				}
			}
		}
		return nil
	},
}

func init() {
	proxyStartCmd.Flags().IntP("port", "p", 0, "Port to listen on (default 1355)")
	proxyStartCmd.Flags().Bool("https", false, "Terminate TLS with locally minted certificates")
	proxyStartCmd.Flags().String("cert", "", "Path to an externally managed TLS certificate")
	proxyStartCmd.Flags().String("key", "", "Path to the key for --cert")
	proxyStartCmd.Flags().Bool("no-tls", false, "Force plain HTTP even if config enables HTTPS")
	proxyStartCmd.Flags().Bool("foreground", false, "Run in the foreground instead of daemonizing")

	proxyCmd.AddCommand(proxyStartCmd)
	proxyCmd.AddCommand(proxyStopCmd)
}
