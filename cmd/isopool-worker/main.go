// isopool-worker is the stub worker runtime the coordinator spawns in local
// deployments. It hosts the websocket endpoint the coordinator's transport
// dials and answers inference envelopes with a canned completion. A real
// deployment replaces this binary with one that loads an actual model.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/isopool/isopool/internal/envelope"
	"github.com/isopool/isopool/internal/logx"
)

type worker struct {
	id       string
	inflight atomic.Int64
	served   atomic.Int64
}

func (wk *worker) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		logx.Log.Warn().Err(err).Msg("websocket accept")
		return
	}
	defer func() { _ = c.Close(websocket.StatusNormalClosure, "") }()
	ctx := r.Context()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var req envelope.Request
		if err := json.Unmarshal(data, &req); err != nil {
			logx.Log.Warn().Err(err).Msg("malformed envelope")
			continue
		}
		reply := wk.handle(req)
		b, err := json.Marshal(reply)
		if err != nil {
			continue
		}
		if err := c.Write(ctx, websocket.MessageText, b); err != nil {
			return
		}
	}
}

func (wk *worker) handle(req envelope.Request) envelope.Reply {
	switch req.Type {
	case envelope.TypePing:
		return envelope.Reply{Type: envelope.TypePong}
	case envelope.TypeInference:
		wk.inflight.Add(1)
		defer wk.inflight.Add(-1)
		wk.served.Add(1)
		return envelope.Reply{
			Type:      envelope.TypeInference,
			RequestID: req.RequestID,
			Result:    fmt.Sprintf("[%s] completion for %q", wk.id, req.Prompt),
		}
	default:
		return envelope.Reply{
			Type:      req.Type,
			RequestID: req.RequestID,
			Error:     fmt.Sprintf("unsupported envelope type %q", req.Type),
		}
	}
}

type statusResponse struct {
	ID            string  `json:"id"`
	InFlight      int64   `json:"inflight"`
	Served        int64   `json:"served"`
	MemoryUsedPct float64 `json:"memory_used_pct"`
	CPUPct        float64 `json:"cpu_pct"`
	Uptime        string  `json:"uptime"`
}

func (wk *worker) handleStatus(started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		st := statusResponse{
			ID:       wk.id,
			InFlight: wk.inflight.Load(),
			Served:   wk.served.Load(),
			Uptime:   time.Since(started).Round(time.Second).String(),
		}
		if vm, err := mem.VirtualMemory(); err == nil {
			st.MemoryUsedPct = vm.UsedPercent
		}
		if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
			st.CPUPct = pct[0]
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	}
}

func main() {
	id := flag.String("id", "", "node id assigned by the coordinator")
	port := flag.Int("port", 9000, "listen port")
	logLevel := flag.String("log-level", "info", "log verbosity")
	flag.Parse()

	logx.Configure(*logLevel)
	if *id == "" {
		*id = uuid.NewString()
	}

	wk := &worker{id: *id}
	r := chi.NewRouter()
	r.Get("/ws", wk.handleWS)
	r.Get("/status", wk.handleStatus(time.Now()))

	addr := fmt.Sprintf(":%d", *port)
	logx.Log.Info().Str("node_id", wk.id).Str("addr", addr).Msg("worker listening")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logx.Log.Fatal().Err(err).Msg("worker server")
	}
}
