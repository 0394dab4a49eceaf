// Command uds-tunnel-stats is a small diagnostic client for a locally
// running broker: it opens a TLS connection to the configured listener,
// sends the handshake followed by a STAT or INFO command and the admin
// secret, and prints whatever the broker writes back.
package main

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"udstunnel/internal/config"
	"udstunnel/internal/protocol"
)

func main() {
	var configPath string
	var detailed bool
	var timeout time.Duration

	root := &cobra.Command{
		Use:   "uds-tunnel-stats",
		Short: "Query a running uds-tunnel broker for connection statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, detailed, timeout)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file (default: platform config dir)")
	root.Flags().BoolVarP(&detailed, "detailed", "d", false, "send STAT instead of INFO (the broker answers both with the same snapshot line)")
	root.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "connection timeout")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, detailed bool, timeout time.Duration) error {
	if configPath == "" {
		p, err := config.DefaultConfigPath()
		if err != nil {
			return err
		}
		configPath = p
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	host := cfg.ListenAddress
	if host == "0.0.0.0" {
		host = "localhost"
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", cfg.ListenPort))

	dialer := &net.Dialer{Timeout: timeout}
	rawConn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("uds-tunnel-stats: dial %s: %w", addr, err)
	}

	// Hostname verification is intentionally disabled: this client only
	// ever talks to the broker it is configured against, by address, not
	// by certificate identity.
	conn := tls.Client(rawConn, &tls.Config{InsecureSkipVerify: true})
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	if _, err := conn.Write(protocol.Handshake); err != nil {
		return fmt.Errorf("uds-tunnel-stats: writing handshake: %w", err)
	}

	cmd := protocol.CmdInfo
	if detailed {
		cmd = protocol.CmdStat
	}
	if _, err := conn.Write([]byte(cmd)); err != nil {
		return fmt.Errorf("uds-tunnel-stats: writing command: %w", err)
	}
	if _, err := conn.Write([]byte(cfg.Secret)); err != nil {
		return fmt.Errorf("uds-tunnel-stats: writing secret: %w", err)
	}

	body, err := io.ReadAll(conn)
	if err != nil && err != io.EOF {
		return fmt.Errorf("uds-tunnel-stats: reading response: %w", err)
	}
	fmt.Print(string(body))
	return nil
}
