// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gate

// State is a release gate state. Evaluations move strictly forward through
// the states below and stop at a terminal state.
type State string

const (
	StateReceived             State = "RECEIVED"
	StateAnchorsResolved      State = "ANCHORS_RESOLVED"
	StateAlgebraEvaluated     State = "ALGEBRA_EVALUATED"
	StateTriangulationChecked State = "TRIANGULATION_CHECKED"
	StateAdmissibilityChecked State = "ADMISSIBILITY_CHECKED"
	StateReleased             State = "RELEASED"
	StateWithheld             State = "WITHHELD"
	StateFailed               State = "FAILED"
)

var transitions = map[State][]State{
	StateReceived:             {StateAnchorsResolved, StateWithheld, StateFailed},
	StateAnchorsResolved:      {StateAlgebraEvaluated, StateWithheld, StateFailed},
	StateAlgebraEvaluated:     {StateTriangulationChecked, StateWithheld, StateFailed},
	StateTriangulationChecked: {StateAdmissibilityChecked, StateWithheld, StateFailed},
	StateAdmissibilityChecked: {StateReleased, StateFailed},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateReleased || s == StateWithheld || s == StateFailed
}

// CanTransition reports whether the gate may move from one state to another.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
