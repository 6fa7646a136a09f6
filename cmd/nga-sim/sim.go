package main

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"nanogrid-air/internal/meter"
)

// simulator produces a plausible three-phase load that drifts over time.
type simulator struct {
	mac  string
	omit map[string]bool

	mu       sync.Mutex
	rng      *rand.Rand
	currents [meter.Phases]float64
	voltages [meter.Phases]float64
	solar    float64 // W produced locally, exported when above the load
	imported float64 // kWh
	exported float64 // kWh
	last     time.Time
}

func newSimulator(mac string, seed uint64, omit []string, now time.Time) *simulator {
	s := &simulator{
		mac:  mac,
		omit: make(map[string]bool, len(omit)),
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		last: now,
	}
	for _, k := range omit {
		s.omit[k] = true
	}
	for i := 0; i < meter.Phases; i++ {
		s.currents[i] = 2 + 2*s.rng.Float64()
		s.voltages[i] = 230
	}
	return s
}

// step advances the model to now and returns the resulting reading.
func (s *simulator) step(now time.Time) meter.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()

	dt := now.Sub(s.last)
	if dt < 0 {
		dt = 0
	}
	s.last = now

	var load float64
	for i := 0; i < meter.Phases; i++ {
		s.currents[i] = clamp(s.currents[i]+s.rng.NormFloat64()*0.3, 0, 16)
		s.voltages[i] = clamp(230+s.rng.NormFloat64()*2, 207, 253)
		load += s.currents[i] * s.voltages[i]
	}
	s.solar = clamp(s.solar+s.rng.NormFloat64()*150, 0, 5000)

	net := load - s.solar
	in, out := math.Max(net, 0), math.Max(-net, 0)
	hours := dt.Hours()
	s.imported += in / 1000 * hours
	s.exported += out / 1000 * hours

	r := meter.Reading{ObservedAt: now}
	for i := 0; i < meter.Phases; i++ {
		r.Currents[i] = meter.Float(round(s.currents[i], 2))
		r.Voltages[i] = meter.Float(round(s.voltages[i], 1))
	}
	r.PowerIn = meter.Float(round(in, 0))
	r.PowerOut = meter.Float(round(out, 0))
	r.EnergyImportTotal = meter.Float(round(s.imported, 3))
	r.EnergyExportTotal = meter.Float(round(s.exported, 3))
	return s.strip(r)
}

// strip drops the fields named in omit, simulating partial payloads.
func (s *simulator) strip(r meter.Reading) meter.Reading {
	for i := 0; i < meter.Phases; i++ {
		if s.omit[phaseKey("current", i)] {
			r.Currents[i] = nil
		}
		if s.omit[phaseKey("voltage", i)] {
			r.Voltages[i] = nil
		}
	}
	if s.omit["power_in"] {
		r.PowerIn = nil
	}
	if s.omit["power_out"] {
		r.PowerOut = nil
	}
	if s.omit["total_energy_import"] {
		r.EnergyImportTotal = nil
	}
	if s.omit["total_energy_export"] {
		r.EnergyExportTotal = nil
	}
	return r
}

func (s *simulator) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"deviceInfo": map[string]string{"mac": s.mac}})
	})
	mux.HandleFunc("GET /meter/", func(w http.ResponseWriter, r *http.Request) {
		data, err := meter.EncodeReading(s.step(time.Now()))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func phaseKey(prefix string, i int) string {
	return prefix + "_" + string(rune('0'+i))
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
