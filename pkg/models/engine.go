package models

type EngineState string

const (
	EngineIdle    EngineState = "IDLE"
	EngineRunning EngineState = "RUNNING"
	EnginePaused  EngineState = "PAUSED"
	EngineStopped EngineState = "STOPPED"
	EngineError   EngineState = "ERROR"
)

var engineTransitions = map[EngineState][]EngineState{
	EngineIdle:    {EngineRunning, EngineStopped},
	EngineRunning: {EnginePaused, EngineStopped, EngineError},
	EnginePaused:  {EngineRunning, EngineStopped},
	EngineError:   {EngineRunning, EngineStopped},
}

// CanTransition reports whether the engine may move from s to next.
// STOPPED is terminal.
func (s EngineState) CanTransition(next EngineState) bool {
	for _, allowed := range engineTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Gauge maps the state onto a number for metrics.
func (s EngineState) Gauge() float64 {
	switch s {
	case EngineRunning:
		return 1
	case EnginePaused:
		return 2
	case EngineStopped:
		return 3
	case EngineError:
		return 4
	}
	return 0
}
