// Package report renders drive log sessions as HTML charts.
package report

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/andresmejia3/roadpilot/internal/store"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// SpeedChart writes a line chart of commanded speed and speed limit over
// frame index. Frames where the car was stopped at a stop sign get a marker
// on the "stopped" series.
func SpeedChart(w io.Writer, session store.Session, cmds []store.Command) error {
	x := make([]string, 0, len(cmds))
	speed := make([]opts.LineData, 0, len(cmds))
	limit := make([]opts.LineData, 0, len(cmds))
	stopped := make([]opts.LineData, 0, len(cmds))
	for _, c := range cmds {
		x = append(x, strconv.Itoa(c.FrameIndex))
		speed = append(speed, opts.LineData{Value: c.Speed})
		limit = append(limit, opts.LineData{Value: c.SpeedLimit})
		if c.Stopped {
			stopped = append(stopped, opts.LineData{Value: c.Speed})
		} else {
			// echarts skips "-" points
			stopped = append(stopped, opts.LineData{Value: "-"})
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "roadpilot drive " + session.ID, Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Speed commands",
			Subtitle: fmt.Sprintf("session=%s source=%s started=%s frames=%d", session.ID, session.Source, session.StartedAt.Format(time.RFC3339), len(cmds)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "speed", Min: 0}),
	)
	line.SetXAxis(x).
		AddSeries("speed", speed, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(false)})).
		AddSeries("speed limit", limit, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(false)})).
		AddSeries("stopped", stopped, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}))

	return line.Render(w)
}
