package scan

// namePoolStep is the fixed growth step of the per-directory pick buffer.
const namePoolStep = 64

// namePool reuses one pick buffer across the passes of a directory. The
// backing array grows in namePoolStep increments and never shrinks, so a
// busy directory settles on a stable allocation bounded by the pass cap.
type namePool struct {
	picks []pick
}

// reset empties the pool for the next pass, keeping the backing array.
func (p *namePool) reset() { p.picks = p.picks[:0] }

// add appends one pick, growing the backing array in fixed steps.
func (p *namePool) add(pk pick) {
	if len(p.picks) == cap(p.picks) {
		grown := make([]pick, len(p.picks), cap(p.picks)+namePoolStep)
		copy(grown, p.picks)
		p.picks = grown
	}
	p.picks = append(p.picks, pk)
}

// count reports the picks gathered this pass.
func (p *namePool) count() int { return len(p.picks) }

// all returns the gathered picks, valid until the next reset.
func (p *namePool) all() []pick { return p.picks }
