package flow

import "github.com/petrijr/waterflow/pkg/api"

// RejectAction says what happens to contexts a filter rejects.
type RejectAction int

const (
	// RejectDrop archives the context with a reason; it produces no output.
	RejectDrop RejectAction = iota
	// RejectReroute hands the context to the error handlers with
	// ErrFilterRejected.
	RejectReroute
)

// Filter gates contexts before or after a node processes them.
type Filter struct {
	Whether  Whether
	OnReject RejectAction
}

// Split partitions cs into accepted and rejected contexts.
func (f *Filter) Split(cs []*api.FlowContext) (accepted, rejected []*api.FlowContext) {
	if f == nil || f.Whether == nil {
		return cs, nil
	}
	for _, c := range cs {
		if f.Whether(c) {
			accepted = append(accepted, c)
		} else {
			rejected = append(rejected, c)
		}
	}
	return accepted, rejected
}

// DropUnless builds a filter that drops contexts failing w.
func DropUnless(w Whether) *Filter {
	return &Filter{Whether: w, OnReject: RejectDrop}
}

// RerouteUnless builds a filter that sends contexts failing w to the error
// handlers.
func RerouteUnless(w Whether) *Filter {
	return &Filter{Whether: w, OnReject: RejectReroute}
}
