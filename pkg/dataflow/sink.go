package dataflow

// SinkOp is a terminal operator with no output edges: every batch delivered
// to its single input is handed to OnBatch, letting a caller (e.g. a live
// query) observe a pipeline's final output without connecting it to
// another operator.
type SinkOp struct {
	OnBatch func(msgs []Message)
}

func (*SinkOp) Arity() (int, int) { return 1, 0 }

func (s *SinkOp) Run(inputs [][]Message) [][]Message {
	if len(inputs) > 0 && len(inputs[0]) > 0 && s.OnBatch != nil {
		s.OnBatch(inputs[0])
	}
	return nil
}
