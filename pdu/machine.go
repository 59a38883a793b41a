package pdu

import "fmt"

// State is one of the association states from PS3.8 9.2.3, scoped to the
// subset this stack's SCP role actually visits (a responder never issues
// A-ASSOCIATE/A-RELEASE requests itself, so the service-user-only states
// are omitted).
type State string

const (
	StateIdle              State = "Sta01-Idle"
	StateAwaitingAssociate State = "Sta02-AwaitingAssociateRQ"
	StateEstablished       State = "Sta06-DataTransferReady"
	StateAwaitingReleaseRP State = "Sta07-AwaitingReleaseRP"
	StateClosed            State = "Sta13-Closed"
)

// Event is one of the PS3.8 9.2.3 events this stack's SCP role observes on
// the transport connection.
type Event int

const (
	EventTransportOpen Event = iota
	EventAssociateRQ
	EventAssociateAccepted
	EventAssociateRejected
	EventPDataTF
	EventReleaseRQ
	EventReleaseRP
	EventAbort
	EventTransportClosed
)

func (e Event) String() string {
	switch e {
	case EventTransportOpen:
		return "transport-open"
	case EventAssociateRQ:
		return "A-ASSOCIATE-RQ"
	case EventAssociateAccepted:
		return "A-ASSOCIATE-AC"
	case EventAssociateRejected:
		return "A-ASSOCIATE-RJ"
	case EventPDataTF:
		return "P-DATA-TF"
	case EventReleaseRQ:
		return "A-RELEASE-RQ"
	case EventReleaseRP:
		return "A-RELEASE-RP"
	case EventAbort:
		return "A-ABORT"
	case EventTransportClosed:
		return "transport-closed"
	default:
		return "unknown-event"
	}
}

var transitions = map[State]map[Event]State{
	StateIdle: {
		EventTransportOpen: StateAwaitingAssociate,
	},
	StateAwaitingAssociate: {
		EventAssociateRQ:       StateEstablished,
		EventAssociateRejected: StateClosed,
		EventAbort:             StateClosed,
		EventTransportClosed:   StateClosed,
	},
	StateEstablished: {
		EventPDataTF:         StateEstablished,
		EventReleaseRQ:       StateAwaitingReleaseRP,
		EventAbort:           StateClosed,
		EventTransportClosed: StateClosed,
	},
	StateAwaitingReleaseRP: {
		EventReleaseRP:       StateClosed,
		EventAbort:           StateClosed,
		EventTransportClosed: StateClosed,
	},
}

// Machine is an explicit association state machine for one connection's
// lifecycle, grounded on go-netdicom's stateType/eventType/stateAction
// pattern for PS3.8 9.2.3 but narrowed to the acceptor-side transitions this
// stack needs.
//
// Strict governs PDU length discipline rather than state transitions: in
// strict mode, a PDU exceeding the negotiated max PDU length aborts the
// association; in relaxed mode, PDUs up to 2x the max are tolerated (Layer
// logs a warning for each) (spec's documented strict-vs-relaxed contract).
type Machine struct {
	state  State
	Strict bool
}

// NewMachine returns a Machine in the idle state.
func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

// State returns the current association state.
func (m *Machine) State() State { return m.state }

// Transition applies event to the machine, returning an error if the event
// is illegal in the current state.
func (m *Machine) Transition(event Event) error {
	next, ok := transitions[m.state][event]
	if !ok {
		return fmt.Errorf("illegal event %s in state %s", event, m.state)
	}
	m.state = next
	return nil
}

// CheckPDULength validates an incoming PDU's length against the negotiated
// max PDU length, applying the strict/relaxed discipline.
func (m *Machine) CheckPDULength(length, maxPDULength uint32) error {
	if maxPDULength == 0 || length <= maxPDULength {
		return nil
	}
	if m.Strict {
		return fmt.Errorf("PDU length %d exceeds negotiated max %d (strict mode)", length, maxPDULength)
	}
	if length > maxPDULength*2 {
		return fmt.Errorf("PDU length %d exceeds twice the negotiated max %d", length, maxPDULength)
	}
	return nil
}
