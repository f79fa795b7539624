package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/flashsync/internal/httputil"
)

func (s *Server) attachCharts(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("rtt", "Latency probe round trips (chart)", http.HandlerFunc(s.handleRTTChart))
}

// handleRTTChart plots every probe sample of the recent batches with the
// baseline each batch produced.
func (s *Server) handleRTTChart(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Estimator == nil {
		httputil.NotFound(w, "controller disabled")
		return
	}
	history := s.cfg.Estimator.History()

	var x []string
	var rtt, baseline, total []opts.LineData
	for i, res := range history {
		for j, d := range res.Samples {
			x = append(x, fmt.Sprintf("%d.%d", i+1, j+1))
			rtt = append(rtt, opts.LineData{Value: msf(d)})
			baseline = append(baseline, opts.LineData{Value: msf(res.Timing.Baseline)})
			total = append(total, opts.LineData{Value: msf(res.Timing.Total)})
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Probe round trips", Subtitle: fmt.Sprintf("batches=%d samples=%d", len(history), len(rtt))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "batch.probe", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ms", NameLocation: "middle", NameGap: 35}),
	)
	line.SetXAxis(x).
		AddSeries("rtt", rtt, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)})).
		AddSeries("one-way baseline", baseline, charts.WithLineChartOpts(opts.LineChart{Step: "end"})).
		AddSeries("total wait", total, charts.WithLineChartOpts(opts.LineChart{Step: "end"}))

	page := components.NewPage()
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
