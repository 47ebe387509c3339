// Package monitor serves a switch's counters and the
// process's resource usage over HTTP.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/process"
	"github.com/unixpickle/switchagg/aggswitch"
)

// A StatsSource reports per-listener counters.
type StatsSource interface {
	Stats() []aggswitch.Stats
}

// A Monitor exposes a StatsSource as a JSON API.
type Monitor struct {
	source StatsSource
	config any
	log    zerolog.Logger

	// ProfileDuration is how long /api/profile samples the
	// CPU.
	ProfileDuration time.Duration
}

// New creates a Monitor.
//
// The config is served verbatim from /api/config, so it
// must be JSON encodable.
func New(source StatsSource, config any, log zerolog.Logger) *Monitor {
	return &Monitor{
		source:          source,
		config:          config,
		log:             log,
		ProfileDuration: time.Second,
	}
}

// Handler returns the monitor's routes.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/stats", m.listStats).Methods(http.MethodGet)
	r.HandleFunc("/api/stats/{listener}", m.listenerStats).Methods(http.MethodGet)
	r.HandleFunc("/api/resource", m.listResources).Methods(http.MethodGet)
	r.HandleFunc("/api/config", m.showConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/profile", m.collectProfile).Methods(http.MethodGet)
	return r
}

// Serve serves the API on listener until ctx is done.
func (m *Monitor) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	})
	defer stop()

	m.log.Info().Stringer("addr", listener.Addr()).Msg("monitor listening")
	if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statsRsp struct {
	Listeners []aggswitch.Stats `json:"listeners"`
	Total     aggswitch.Stats   `json:"total"`
}

func (m *Monitor) listStats(w http.ResponseWriter, _ *http.Request) {
	rsp := statsRsp{Listeners: m.source.Stats()}
	rsp.Total.Listener = -1
	for _, s := range rsp.Listeners {
		rsp.Total.Packets += s.Packets
		rsp.Total.Malformed += s.Malformed
		rsp.Total.Mismatched += s.Mismatched
		rsp.Total.Duplicates += s.Duplicates
		rsp.Total.SimulatedDrops += s.SimulatedDrops
		rsp.Total.RoundsCompleted += s.RoundsCompleted
		rsp.Total.RoundsExpired += s.RoundsExpired
		rsp.Total.Saturated += s.Saturated
		rsp.Total.ReduceErrors += s.ReduceErrors
		rsp.Total.ReplyErrors += s.ReplyErrors
		rsp.Total.ReadErrors += s.ReadErrors
		rsp.Total.OpenRounds += s.OpenRounds
	}
	m.writeJSON(w, rsp)
}

func (m *Monitor) listenerStats(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(mux.Vars(r)["listener"])
	if err != nil {
		http.Error(w, "invalid listener index", http.StatusBadRequest)
		return
	}
	stats := m.source.Stats()
	if idx < 0 || idx >= len(stats) {
		http.Error(w, "no such listener", http.StatusNotFound)
		return
	}
	m.writeJSON(w, stats[idx])
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.fail(w, err)
		return
	}
	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		m.fail(w, err)
		return
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		m.fail(w, err)
		return
	}
	m.writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memInfo.RSS,
	})
}

func (m *Monitor) showConfig(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, m.config)
}

func (m *Monitor) collectProfile(w http.ResponseWriter, r *http.Request) {
	buf := bytes.NewBuffer(nil)
	if err := pprof.StartCPUProfile(buf); err != nil {
		m.fail(w, err)
		return
	}
	select {
	case <-time.After(m.ProfileDuration):
	case <-r.Context().Done():
	}
	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		m.fail(w, err)
		return
	}
	m.writeJSON(w, prof)
}

func (m *Monitor) writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		m.log.Debug().Err(err).Msg("write response")
	}
}

func (m *Monitor) fail(w http.ResponseWriter, err error) {
	m.log.Warn().Err(err).Msg("monitor request failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
