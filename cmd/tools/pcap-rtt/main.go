// Command pcap-rtt reports control-channel round trips found in a packet
// capture and optionally plots their distribution.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/flashsync/internal/command"
	"github.com/banshee-data/flashsync/internal/network"
)

var (
	pcapFile = flag.String("pcap", "", "Path to a pcap or pcapng capture")
	port     = flag.Int("port", 4210, "Controller UDP port")
	histPath = flag.String("hist", "", "Write an RTT histogram PNG to this path")
	bins     = flag.Int("bins", 30, "Histogram bin count")
	asJSON   = flag.Bool("json", false, "Print the exchanges as JSON")
)

func main() {
	flag.Parse()
	if *pcapFile == "" {
		log.Fatal("-pcap is required")
	}

	f, err := os.Open(*pcapFile)
	if err != nil {
		log.Fatalf("failed to open capture: %v", err)
	}
	defer f.Close()

	analysis, err := network.AnalyseCapture(context.Background(), f, *port)
	if err != nil {
		log.Fatalf("failed to analyse capture: %v", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(analysis); err != nil {
			log.Fatalf("failed to encode analysis: %v", err)
		}
	} else {
		report(os.Stdout, analysis)
	}

	if *histPath != "" {
		if err := writeHistogram(*histPath, analysis, *bins); err != nil {
			log.Fatalf("failed to write histogram: %v", err)
		}
		log.Printf("Wrote histogram to %s", *histPath)
	}
}

// rttSummary holds the statistics of one command kind, in milliseconds.
type rttSummary struct {
	Kind               command.Kind
	N                  int
	Mean, StdDev       float64
	Min, P50, P95, Max float64
}

func summarise(k command.Kind, rtts []time.Duration) rttSummary {
	s := rttSummary{Kind: k, N: len(rtts)}
	if len(rtts) == 0 {
		return s
	}
	xs := millis(rtts)
	sort.Float64s(xs)
	s.Mean, s.StdDev = stat.MeanStdDev(xs, nil)
	if len(xs) < 2 {
		s.StdDev = 0
	}
	s.Min, s.Max = xs[0], xs[len(xs)-1]
	s.P50 = stat.Quantile(0.5, stat.Empirical, xs, nil)
	s.P95 = stat.Quantile(0.95, stat.Empirical, xs, nil)
	return s
}

func millis(ds []time.Duration) []float64 {
	xs := make([]float64, len(ds))
	for i, d := range ds {
		xs[i] = float64(d) / float64(time.Millisecond)
	}
	return xs
}

func report(w io.Writer, a *network.CaptureAnalysis) {
	fmt.Fprintf(w, "packets=%d commands=%d replies=%d exchanges=%d unanswered=%d unknown=%d\n",
		a.Packets, a.Commands, a.Replies, len(a.Exchanges), a.Unanswered, a.Unknown)
	for _, k := range []command.Kind{command.Ping, command.LightOn, command.LightOff} {
		s := summarise(k, a.RTTs(k))
		if s.N == 0 {
			continue
		}
		fmt.Fprintf(w, "%-4s n=%-5d mean=%.2fms sd=%.2fms min=%.2fms p50=%.2fms p95=%.2fms max=%.2fms one-way=%.2fms\n",
			k, s.N, s.Mean, s.StdDev, s.Min, s.P50, s.P95, s.Max, s.Mean/2)
	}
}

func writeHistogram(path string, a *network.CaptureAnalysis, bins int) error {
	var vals plotter.Values
	for _, ex := range a.Exchanges {
		vals = append(vals, float64(ex.RTT)/float64(time.Millisecond))
	}
	if len(vals) == 0 {
		return fmt.Errorf("no exchanges to plot")
	}

	p := plot.New()
	p.Title.Text = "Control channel round trip"
	p.X.Label.Text = "RTT (ms)"
	p.Y.Label.Text = "Exchanges"

	h, err := plotter.NewHist(vals, bins)
	if err != nil {
		return err
	}
	p.Add(h)
	return p.Save(8*vg.Inch, 4*vg.Inch, path)
}
