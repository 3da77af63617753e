package app

import (
	"os"
	"runtime"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/talkincode/wahub/internal/domain"
	"go.uber.org/zap"
)

// SystemStats is the latest host and process sample.
type SystemStats struct {
	CPUPercent     float64   `json:"cpuPercent"`
	MemUsed        uint64    `json:"memUsed"`
	MemPercent     float64   `json:"memPercent"`
	ProcCPUPercent float64   `json:"procCpuPercent"`
	ProcRSS        uint64    `json:"procRss"`
	Threads        int32     `json:"threads"`
	Goroutines     int       `json:"goroutines"`
	SampledAt      time.Time `json:"sampledAt"`
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a cron expression with the application parser.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return cronParser.Parse(spec)
}

func (a *Application) initJob() {
	loc, _ := time.LoadLocation(a.appConfig.System.Location)
	if loc == nil {
		loc = time.Local
	}
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	var err error
	_, err = a.sched.AddFunc("@every 30s", func() {
		go a.SchedSystemMonitorTask()
		go a.SchedProcessMonitorTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@daily", func() {
		a.gormDB.
			Where("opt_time < ? ", time.Now().
				Add(-time.Hour*24*365)).Delete(domain.SysOprLog{})
	})

	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
	go func() {
		a.SchedSystemMonitorTask()
		a.SchedProcessMonitorTask()
	}()
}

// SystemStats returns the most recent sample.
func (a *Application) SystemStats() SystemStats {
	a.statsMu.RLock()
	defer a.statsMu.RUnlock()
	return a.stats
}

// SchedSystemMonitorTask system monitor
func (a *Application) SchedSystemMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	_cpuuse, cpuErr := cpu.Percent(0, false)
	_meminfo, memErr := mem.VirtualMemory()

	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	if cpuErr == nil && len(_cpuuse) > 0 {
		a.stats.CPUPercent = _cpuuse[0]
	}
	if memErr == nil {
		a.stats.MemUsed = _meminfo.Used
		a.stats.MemPercent = _meminfo.UsedPercent
	}
	a.stats.SampledAt = time.Now()
}

// SchedProcessMonitorTask app process monitor
func (a *Application) SchedProcessMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	p, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // G115: PID is always within int32 range
	if err != nil {
		return
	}

	cpuuse, cpuErr := p.CPUPercent()
	meminfo, memErr := p.MemoryInfo()
	threads, _ := p.NumThreads()

	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	if cpuErr == nil {
		a.stats.ProcCPUPercent = cpuuse
	}
	if memErr == nil {
		a.stats.ProcRSS = meminfo.RSS
	}
	a.stats.Threads = threads
	a.stats.Goroutines = runtime.NumGoroutine()
	a.stats.SampledAt = time.Now()
}
