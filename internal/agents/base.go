package agents

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/metrics"
)

// BaseAgent carries the identity, logging and pause state shared by all
// agents. Concrete agents embed it and expose an Evaluate method that
// the voting coordinator calls once per snapshot.
type BaseAgent struct {
	name      string
	agentType string
	log       zerolog.Logger

	paused      bool
	pausedMutex sync.RWMutex
}

func NewBaseAgent(name, agentType string) *BaseAgent {
	return &BaseAgent{
		name:      name,
		agentType: agentType,
		log:       config.NewAgentLogger(name, agentType),
	}
}

func (a *BaseAgent) Name() string { return a.name }

func (a *BaseAgent) Type() string { return a.agentType }

// Pause makes Evaluate return nothing until Resume. The supervisor uses
// this during controlled maintenance or after repeated agent failures.
func (a *BaseAgent) Pause() {
	a.pausedMutex.Lock()
	a.paused = true
	a.pausedMutex.Unlock()
	a.log.Info().Msg("agent paused")
}

func (a *BaseAgent) Resume() {
	a.pausedMutex.Lock()
	a.paused = false
	a.pausedMutex.Unlock()
	a.log.Info().Msg("agent resumed")
}

func (a *BaseAgent) IsPaused() bool {
	a.pausedMutex.RLock()
	defer a.pausedMutex.RUnlock()
	return a.paused
}

// instrument records the processing duration of one evaluation.
// Call as: defer a.instrument(time.Now()).
func (a *BaseAgent) instrument(start time.Time) {
	metrics.RecordAgentProcessing(a.name, float64(time.Since(start).Milliseconds()))
}
