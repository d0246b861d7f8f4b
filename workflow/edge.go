package workflow

// BranchNext is the default branch of steps without named outcomes.
const BranchNext = "next"

// FlowBoundary is the nil step used as a data edge endpoint bound to the
// conversation I/O dictionary.
var FlowBoundary Step

// ControlFlowEdge routes execution from Source, when it takes SourceBranch,
// to Destination. A nil Destination is a terminal transition.
type ControlFlowEdge struct {
	Source       Step
	SourceBranch string
	Destination  Step
}

// NewControlFlowEdge creates an edge on the default branch.
func NewControlFlowEdge(source, destination Step) ControlFlowEdge {
	return ControlFlowEdge{Source: source, SourceBranch: BranchNext, Destination: destination}
}

// NewBranchEdge creates an edge on a named branch.
func NewBranchEdge(source Step, branch string, destination Step) ControlFlowEdge {
	return ControlFlowEdge{Source: source, SourceBranch: branch, Destination: destination}
}

func (e ControlFlowEdge) branch() string {
	if e.SourceBranch == "" {
		return BranchNext
	}
	return e.SourceBranch
}

// DataFlowEdge routes a named output to a named input. A nil Source reads
// from the conversation I/O dictionary; a nil Destination writes into it.
// Names are flow-level names, i.e. after input/output mapping.
type DataFlowEdge struct {
	Source           Step
	SourceOutput     string
	Destination      Step
	DestinationInput string
}

// NewDataFlowEdge creates a data edge.
func NewDataFlowEdge(source Step, output string, destination Step, input string) DataFlowEdge {
	return DataFlowEdge{Source: source, SourceOutput: output, Destination: destination, DestinationInput: input}
}

func stepName(s Step) string {
	if s == nil {
		return ""
	}
	return s.Name()
}
