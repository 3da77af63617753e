package adminapi

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/bytes"
	"github.com/talkincode/wahub/internal/webserver"
)

var startedAt = time.Now()

func registerSystemRoutes() {
	webserver.GET("/health", getHealth)
	webserver.ApiGET("/status", getStatus)
}

// getHealth is unauthenticated and only reports liveness and resource usage.
func getHealth(c echo.Context) error {
	reg, _ := backend()
	resp := map[string]interface{}{
		"status":      "ok",
		"initialized": reg != nil,
		"uptime":      time.Since(startedAt).Round(time.Second).String(),
	}
	if a := GetApp(c); a != nil {
		st := a.SystemStats()
		resp["system"] = map[string]interface{}{
			"cpuPercent":     st.CPUPercent,
			"memUsed":        bytes.Format(int64(st.MemUsed)), //nolint:gosec // G115: memory size fits in int64
			"memPercent":     st.MemPercent,
			"procCpuPercent": st.ProcCPUPercent,
			"procRss":        bytes.Format(int64(st.ProcRSS)), //nolint:gosec // G115: memory size fits in int64
			"goroutines":     st.Goroutines,
			"sampledAt":      st.SampledAt,
		}
	}
	return ok(c, resp)
}

func getStatus(c echo.Context) error {
	reg, hooks := backend()
	if reg == nil {
		return ok(c, map[string]interface{}{"initialized": false})
	}
	resp := map[string]interface{}{
		"initialized": true,
		"connections": reg.Stats(),
	}
	if hooks != nil {
		resp["webhook"] = hooks.Stats()
	}
	return ok(c, resp)
}
