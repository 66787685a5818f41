package upstream

// Outcome is what one Upstream.Run call reports back to Registry.Tick,
// replacing the C original's setjmp/longjmp escape out of deeply nested
// parse/dispatch code (Design Note #1). Registry applies the outcome and
// always moves on to the next Upstream, regardless of what any single
// Upstream reported.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

type OutcomeKind int

const (
	// Continue: nothing noteworthy happened this tick.
	Continue OutcomeKind = iota
	// Dropped: a transient/recoverable failure (§7 class 1). The
	// transport has already been closed and a reconnect scheduled with
	// backoff; the Upstream itself is not destroyed.
	Dropped
	// Destroyed: a fatal failure (§7 classes 2-4). Registry must remove
	// this Upstream from its set; any not-yet-promoted Channel it owns
	// is freed with it.
	Destroyed
)

func ok() Outcome                    { return Outcome{Kind: Continue} }
func dropped(reason string) Outcome  { return Outcome{Kind: Dropped, Reason: reason} }
func destroyed(reason string) Outcome { return Outcome{Kind: Destroyed, Reason: reason} }
