package orchestratornode

import (
	"fmt"

	contractx "github.com/tanpawarit/Chative-Shopping-Assistant/agent/contract"
)

func FinalizeOutcome(in *GraphState) (GraphOutput, error) {
	if in == nil || in.Outcome == nil {
		return GraphOutput{}, fmt.Errorf("%w: turn ended without an outcome", contractx.ErrValidation)
	}
	return GraphOutput{Outcome: *in.Outcome}, nil
}
