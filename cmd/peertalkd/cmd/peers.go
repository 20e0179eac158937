/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/common/expfmt"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var peersEndpoint string

func init() {
	RootCmd.AddCommand(peersCmd)
	peersCmd.Flags().StringVarP(&peersEndpoint, "endpoint", "e", "http://localhost:8732/metrics", "monitoring endpoint to scrape peer gauges from")
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Print the current peer table from a running daemon's monitoring endpoint",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := printPeerTable(peersEndpoint); err != nil {
			log.Fatal(err)
		}
	},
}

// minTableWidth is the narrowest terminal a bordered two-column table
// (STATE up to len("DISCONNECTING") plus COUNT, borders and padding)
// still fits without wrapping.
const minTableWidth = 25

// printPeerTable scrapes the peertalk_peers gauge family from a
// running daemon's /metrics endpoint and renders it as a table sized
// to the current terminal, falling back to a fixed width when stdout
// isn't a terminal.
func printPeerTable(endpoint string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("peers: fetch %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	counts, err := scrapePeerGauge(resp)
	if err != nil {
		return err
	}

	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}

	states := []string{"DISCOVERED", "CONNECTING", "CONNECTED", "DISCONNECTING", "FAILED"}

	if width < minTableWidth {
		// Too narrow for a bordered table: fall back to one line per
		// state rather than letting tablewriter wrap it unreadably.
		for _, state := range states {
			fmt.Printf("%s: %d\n", state, counts[state])
		}
		return nil
	}

	table := tablewriter.NewTable(os.Stdout)
	table.Header("STATE", "COUNT")
	for _, state := range states {
		table.Append(state, fmt.Sprintf("%d", counts[state]))
	}
	return table.Render()
}

// scrapePeerGauge extracts the peertalk_peers gauge family's per-state
// samples from a Prometheus text-format response body.
func scrapePeerGauge(resp *http.Response) (map[string]int, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("peers: parse metrics: %w", err)
	}

	counts := make(map[string]int)
	fam, ok := families["peertalk_peers"]
	if !ok {
		return counts, nil
	}
	for _, m := range fam.GetMetric() {
		var state string
		for _, lbl := range m.GetLabel() {
			if lbl.GetName() == "state" {
				state = lbl.GetValue()
			}
		}
		if state == "" {
			continue
		}
		counts[state] = int(m.GetGauge().GetValue())
	}
	return counts, nil
}
