package merkle

import "anchorlane/pkg/evidence"

// Accumulator buffers records up to a capacity and hands off a finalized
// batch when full. Policy only; it keeps no I/O and no history.
type Accumulator struct {
	capacity int
	builder  *Builder
}

// AccumulatorStatus is a monitoring snapshot, not a business-logic input.
type AccumulatorStatus struct {
	Count    int  `json:"count"`
	Capacity int  `json:"capacity"`
	Full     bool `json:"full"`
}

func NewAccumulator(capacity int) *Accumulator {
	if capacity < 1 {
		capacity = 1
	}
	return &Accumulator{capacity: capacity, builder: NewBuilder()}
}

// Add appends a record to the open commitment. When the capacity is
// reached the batch auto-finalizes and is returned; otherwise nil.
func (a *Accumulator) Add(rec evidence.Record) (*Batch, error) {
	a.builder.Add(rec)
	if a.builder.Count() >= a.capacity {
		return a.Finalize()
	}
	return nil, nil
}

// Finalize closes the current commitment early and starts a fresh one.
func (a *Accumulator) Finalize() (*Batch, error) {
	batch, err := a.builder.Export()
	if err != nil {
		return nil, err
	}
	a.builder = NewBuilder()
	return batch, nil
}

// Restore refills the accumulator with records from a finalized batch
// that could not be persisted. It never auto-finalizes, even past
// capacity; the next Add or Finalize closes the commitment.
func (a *Accumulator) Restore(recs []evidence.Record) {
	for _, rec := range recs {
		a.builder.Add(rec)
	}
}

func (a *Accumulator) Status() AccumulatorStatus {
	return AccumulatorStatus{
		Count:    a.builder.Count(),
		Capacity: a.capacity,
		Full:     a.builder.Count() >= a.capacity,
	}
}
