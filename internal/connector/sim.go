package connector

import (
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/trainerday/fitness-machine-connector/internal/go_func_utils"
	"github.com/trainerday/fitness-machine-connector/internal/metrics"
)

// Simulator feeds the engine a plausible ride so the whole broadcast path
// can run without a sensor in the room: power and cadence wander on slow
// sine waves with a little jitter, heart rate follows the effort, and
// distance and calories integrate over time.
type Simulator struct {
	logger *log.Logger
	engine *Engine
	period time.Duration

	doneChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewSimulator(logger *log.Logger, engine *Engine, period time.Duration) *Simulator {
	if logger == nil {
		panic("Simulator: logger cannot be nil")
	}
	if engine == nil {
		panic("Simulator: engine cannot be nil")
	}
	if period <= 0 {
		period = time.Second
	}
	return &Simulator{
		logger:   logger,
		engine:   engine,
		period:   period,
		doneChan: make(chan struct{}),
	}
}

func (s *Simulator) Start() {
	s.wg.Add(1)
	go_func_utils.SafeGo(s.logger, "simulator", func() {
		defer s.wg.Done()
		s.run()
	})
	s.logger.Printf("Simulator: generating a ride every %v", s.period)
}

func (s *Simulator) Stop() {
	s.stopOnce.Do(func() {
		close(s.doneChan)
		s.wg.Wait()
		s.logger.Println("Simulator: stopped")
	})
}

func (s *Simulator) run() {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	start := time.Now()
	last := start
	var distanceKm, calories float64

	for {
		select {
		case <-s.doneChan:
			return
		case now := <-ticker.C:
			elapsed := now.Sub(start).Seconds()
			dt := now.Sub(last).Seconds()
			last = now

			power := 180 + 40*math.Sin(elapsed/30) + float64(rand.Intn(11)-5)
			if power < 0 {
				power = 0
			}
			cadence := 85 + 6*math.Sin(elapsed/45) + float64(rand.Intn(3)-1)
			heartRate := 125 + 20*math.Sin(elapsed/60)
			// Rough flat-road speed for a ~75kg rider.
			speed := power / 7.2

			distanceKm += speed * dt / 3600
			// ~1 kcal per kJ of work at typical pedaling efficiency.
			calories += power * dt / 1000

			var rec metrics.Record
			rec.SourceType = "simulator"
			rec.Set(metrics.MetricPower, math.Round(power))
			rec.Set(metrics.MetricCadence, math.Round(cadence))
			rec.Set(metrics.MetricHeartRate, math.Round(heartRate))
			rec.Set(metrics.MetricSpeed, speed)
			rec.Set(metrics.MetricDistance, distanceKm)
			rec.Set(metrics.MetricCalories, calories)
			rec.Set(metrics.MetricElapsedTime, math.Round(elapsed))
			s.engine.ApplyRecord(rec)
		}
	}
}
