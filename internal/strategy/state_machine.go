package strategy

import "sync"

// StateMachine tracks one symbol's lifecycle. Unknown events leave the state
// unchanged; DONE is terminal.
type StateMachine struct {
	mu    sync.Mutex
	State State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{State: StateScanning}
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = nextState(s.State, event)
	return s.State
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

// SetState places a restored position directly into its persisted phase.
func (s *StateMachine) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

func nextState(current State, event Event) State {
	switch current {
	case StateScanning:
		if event == EventOpportunity {
			return StateEntering
		}
	case StateEntering:
		switch event {
		case EventOpened:
			return StateMonitoring
		case EventAbort:
			return StateDone
		}
	case StateMonitoring:
		switch event {
		case EventSoftClose:
			return StateSoftClose
		case EventCloseTrigger:
			return StateClosing
		case EventStop:
			return StateDone
		}
	case StateSoftClose:
		switch event {
		case EventCloseTrigger:
			return StateClosing
		case EventStop:
			return StateDone
		}
	case StateClosing:
		if event == EventClosed {
			return StateDone
		}
	}
	return current
}
