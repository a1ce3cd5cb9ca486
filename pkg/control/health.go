package control

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Goroutines    int     `json:"goroutines"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemPercent    float64 `json:"mem_used_percent"`
	MemAllocMB    float64 `json:"mem_alloc_mb"`
}

// handleHealth reports liveness: uptime, goroutine count, and host
// resource usage via gopsutil. A short (100ms) CPU sample keeps the
// handler fast without returning an all-zero reading.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cpuPct, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil || len(cpuPct) == 0 {
		cpuPct = []float64{0}
	}
	memStat, err := mem.VirtualMemory()
	memUsedPct := 0.0
	if err == nil {
		memUsedPct = memStat.UsedPercent
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	resp := healthResponse{
		Status:        "healthy",
		UptimeSeconds: s.clk.Now().Sub(s.startedAt).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		CPUPercent:    cpuPct[0],
		MemPercent:    memUsedPct,
		MemAllocMB:    float64(ms.Alloc) / 1024 / 1024,
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
