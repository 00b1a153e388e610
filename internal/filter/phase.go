package filter

type Phase int

const (
	PhaseInitializing Phase = iota
	PhasePropagating
	PhaseWeighting
	PhaseSynchronizing
	PhaseResampling
	PhaseRedistributing
	PhaseAggregating
	PhaseCheckpointing
	PhaseFinalizing
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhasePropagating:
		return "propagating"
	case PhaseWeighting:
		return "weighting"
	case PhaseSynchronizing:
		return "synchronizing"
	case PhaseResampling:
		return "resampling"
	case PhaseRedistributing:
		return "redistributing"
	case PhaseAggregating:
		return "aggregating"
	case PhaseCheckpointing:
		return "checkpointing"
	case PhaseFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}
