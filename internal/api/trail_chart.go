package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// trailChart renders a tracker's archived trail as an HTML scatter plot.
// This is a debugging-only endpoint (no auth) to eyeball smoothing quality
// without the map UI. Query params:
//   - tracker_id (required)
//   - hours (optional; default 1) lookback window
//   - max_points (optional; default 5000)
func (s *Server) trailChart(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		s.writeJSONError(w, http.StatusNotFound, "Position archive not enabled")
		return
	}

	trackerID := r.URL.Query().Get("tracker_id")
	if trackerID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'tracker_id' parameter")
		return
	}

	hours := 1
	if h := r.URL.Query().Get("hours"); h != "" {
		if v, err := strconv.Atoi(h); err == nil && v >= 1 && v <= 24*7 {
			hours = v
		}
	}
	maxPoints := 5000
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v > 100 && v <= 50000 {
			maxPoints = v
		}
	}

	now := time.Now().UnixMilli()
	fixes, err := s.db.FixesBetween(trackerID, now-int64(hours)*3600_000, now)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve fixes: %v", err))
		return
	}
	if len(fixes) == 0 {
		s.writeJSONError(w, http.StatusNotFound, "No fixes in window")
		return
	}

	// Downsample by stride to stay within maxPoints.
	stride := 1
	if len(fixes) > maxPoints {
		stride = (len(fixes) + maxPoints - 1) / maxPoints
	}

	data := make([]opts.ScatterData, 0, len(fixes)/stride+1)
	maxX, maxY := 0.0, 0.0
	for i := 0; i < len(fixes); i += stride {
		f := fixes[i]
		if f.X > maxX {
			maxX = f.X
		}
		if f.Y > maxY {
			maxY = f.Y
		}
		data = append(data, opts.ScatterData{Value: []interface{}{f.X, f.Y, f.Confidence}})
	}

	// Pad the axes to the configured floor plan when one is loaded.
	s.mu.RLock()
	if s.layout != nil && s.layout.Map != nil {
		if s.layout.Map.Width > maxX {
			maxX = s.layout.Map.Width
		}
		if s.layout.Map.Height > maxY {
			maxY = s.layout.Map.Height
		}
	}
	s.mu.RUnlock()

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Tracker Trail", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Tracker Trail",
			Subtitle: fmt.Sprintf("tracker=%s points=%d stride=%d window=%dh", trackerID, len(data), stride, hours),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: maxX * 1.05, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: maxY * 1.05, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        1,
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#31688e", "#35b779", "#fde725"}},
		}),
	)

	scatter.AddSeries("trail", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
