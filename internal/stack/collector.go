package stack

// ResponseCollector receives the terminal outcome of a client transaction.
// Exactly one of the three methods is invoked per transaction, on a receive
// or timer goroutine; cancelled transactions invoke none.
type ResponseCollector interface {
	// OnResponse is called with the matched response.
	OnResponse(ev *ResponseEvent)

	// OnTimeout is called when the retransmission schedule is exhausted.
	OnTimeout(ev *FailureEvent)

	// OnUnreachable is called when the destination was reported
	// unreachable before a response arrived.
	OnUnreachable(ev *FailureEvent)
}

// RequestListener handles inbound requests. Exactly one listener is
// notified per fresh request: the first listener registered for the
// arrival address if any, otherwise the first global listener.
type RequestListener interface {
	OnRequest(ev *RequestEvent)
}

// RequestListenerFunc adapts a function to the RequestListener interface.
type RequestListenerFunc func(ev *RequestEvent)

// OnRequest calls f(ev).
func (f RequestListenerFunc) OnRequest(ev *RequestEvent) { f(ev) }

// IndicationListener handles inbound indications. Every registered
// listener sees every indication.
type IndicationListener interface {
	OnIndication(ev *IndicationEvent)
}

// IndicationListenerFunc adapts a function to the IndicationListener
// interface.
type IndicationListenerFunc func(ev *IndicationEvent)

// OnIndication calls f(ev).
func (f IndicationListenerFunc) OnIndication(ev *IndicationEvent) { f(ev) }
