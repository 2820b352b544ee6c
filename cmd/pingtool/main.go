// Command pingtool dials a running chat core, sends a login request with
// empty credentials, and reports the round-trip latency and response
// code — a small connectivity check in place of a bundled shell script.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type pingRequest struct {
	Action string                 `json:"action"`
	Time   float64                `json:"time"`
	Data   map[string]interface{} `json:"data"`
}

type pingResponse struct {
	Action    string `json:"action"`
	Timestamp float64 `json:"timestamp"`
	Code      int    `json:"code"`
	Info      string `json:"info"`
}

func main() {
	var host string
	var port int
	var timeout time.Duration

	root := &cobra.Command{
		Use:   "pingtool",
		Short: "Check TCP reachability of a chat core instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := fmt.Sprintf("%s:%d", host, port)
			start := time.Now()

			nc, err := net.DialTimeout("tcp", addr, timeout)
			if err != nil {
				return fmt.Errorf("pingtool: dial %s: %w", addr, err)
			}
			defer nc.Close()

			req := pingRequest{
				Action: "login",
				Time:   float64(time.Now().Unix()),
				Data:   map[string]interface{}{"username": "", "password": ""},
			}
			payload, err := json.Marshal(req)
			if err != nil {
				return err
			}
			if _, err := nc.Write(payload); err != nil {
				return fmt.Errorf("pingtool: write: %w", err)
			}

			_ = nc.SetReadDeadline(time.Now().Add(timeout))
			buf := make([]byte, 65536)
			n, err := nc.Read(buf)
			if err != nil {
				return fmt.Errorf("pingtool: read: %w", err)
			}

			var resp pingResponse
			if err := json.Unmarshal(buf[:n], &resp); err != nil {
				return fmt.Errorf("pingtool: decode response: %w", err)
			}

			elapsed := time.Since(start)
			fmt.Printf("code=%d info=%q latency=%s\n", resp.Code, resp.Info, elapsed)
			return nil
		},
	}

	root.Flags().StringVarP(&host, "host", "a", "localhost", "server host")
	root.Flags().IntVarP(&port, "port", "p", 7777, "server port")
	root.Flags().DurationVarP(&timeout, "timeout", "t", 3*time.Second, "dial/read timeout")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
