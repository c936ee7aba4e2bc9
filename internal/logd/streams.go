package logd

// Stream describes one log daemon: the rotated file base name, the fifo
// base name producers write to, and the ingress framing.
type Stream struct {
	Name string // rotated file base, e.g. "SYSTEM_LOG"
	Fifo string // fifo base under fifo/, e.g. "system"
	Mode Mode
}

// Streams lists every log daemon in startup order. The system log comes
// first so the other daemons already have somewhere to complain; the framed
// pipeline logs follow the line logs.
var Streams = []Stream{
	{Name: "SYSTEM_LOG", Fifo: "system", Mode: ModeLine},
	{Name: "EVENT_LOG", Fifo: "event", Mode: ModeFramed},
	{Name: "RECEIVE_LOG", Fifo: "receive", Mode: ModeLine},
	{Name: "TRANSFER_LOG", Fifo: "transfer", Mode: ModeLine},
	{Name: "TRANS_DB_LOG", Fifo: "transfer_debug", Mode: ModeLine},
	{Name: "PRODUCTION_LOG", Fifo: "production", Mode: ModeFramed},
	{Name: "CONFIRMATION_LOG", Fifo: "confirmation", Mode: ModeFramed},
	{Name: "DISTRIBUTION_LOG", Fifo: "distribution", Mode: ModeFramed},
}

// StreamByFifo resolves the fifo base name a log daemon child was started
// with back to its stream.
func StreamByFifo(fifo string) (Stream, bool) {
	for _, st := range Streams {
		if st.Fifo == fifo {
			return st, true
		}
	}
	return Stream{}, false
}
