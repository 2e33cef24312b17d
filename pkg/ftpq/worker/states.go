package worker

// State is the coarse position of a worker's state machine. Each
// state has SubState values pinning the exact protocol step, because
// the same completion must be interpreted differently depending on
// which command was last issued.
type State int

const (
	// StateLookingForWork means the worker is eligible to claim an item.
	StateLookingForWork State = iota
	// StateSleeping means the queue had nothing claimable; the worker
	// parks until an explicit wake-up.
	StateSleeping
	// StatePreparing runs pre-flight checks for a claimed item
	// (remote file lock registration, connection presence).
	StatePreparing
	// StateConnecting establishes the control connection, including
	// proxy traversal and login.
	StateConnecting
	// StateWaitingForReconnect delays between failed connect attempts.
	StateWaitingForReconnect
	// StateConnectionError means connect retries are exhausted; the
	// worker waits for new login parameters.
	StateConnectionError
	// StateWorking means protocol commands for the current item are in
	// flight.
	StateWorking
	// StateStopped is terminal.
	StateStopped
)

// String returns a short tag used in logs.
func (s State) String() string {
	switch s {
	case StateLookingForWork:
		return "looking_for_work"
	case StateSleeping:
		return "sleeping"
	case StatePreparing:
		return "preparing"
	case StateConnecting:
		return "connecting"
	case StateWaitingForReconnect:
		return "waiting_for_reconnect"
	case StateConnectionError:
		return "connection_error"
	case StateWorking:
		return "working"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SubState pins the protocol step within a state.
type SubState int

const (
	// SubNone is the neutral sub-state.
	SubNone SubState = iota
	// SubConnectDialing covers the TCP/proxy handshake.
	SubConnectDialing
	// SubConnectLoggingIn covers USER/PASS and init-command replay.
	SubConnectLoggingIn
	// SubWorkChangingDir means a CWD is in flight.
	SubWorkChangingDir
	// SubWorkDeleting means a DELE is in flight.
	SubWorkDeleting
	// SubWorkRemovingDir means an RMD is in flight.
	SubWorkRemovingDir
	// SubWorkChangingAttrs means a SITE CHMOD is in flight.
	SubWorkChangingAttrs
	// SubWorkListing means a LIST data transfer is in flight.
	SubWorkListing
	// SubWorkResolvingLink means a probe CWD is in flight.
	SubWorkResolvingLink
	// SubWorkOpeningData means the transfer data connection is being
	// established.
	SubWorkOpeningData
	// SubWorkTransferring means file data is moving.
	SubWorkTransferring
	// SubWorkClosingData means the worker waits for the transfer
	// completion reply.
	SubWorkClosingData
	// SubWorkCreatingDir means an MKD is in flight.
	SubWorkCreatingDir
)

// String returns a short tag used in logs.
func (s SubState) String() string {
	switch s {
	case SubNone:
		return "none"
	case SubConnectDialing:
		return "dialing"
	case SubConnectLoggingIn:
		return "logging_in"
	case SubWorkChangingDir:
		return "changing_dir"
	case SubWorkDeleting:
		return "deleting"
	case SubWorkRemovingDir:
		return "removing_dir"
	case SubWorkChangingAttrs:
		return "changing_attrs"
	case SubWorkListing:
		return "listing"
	case SubWorkResolvingLink:
		return "resolving_link"
	case SubWorkOpeningData:
		return "opening_data"
	case SubWorkTransferring:
		return "transferring"
	case SubWorkClosingData:
		return "closing_data"
	case SubWorkCreatingDir:
		return "creating_dir"
	default:
		return "unknown"
	}
}

// DataConnState tracks the auxiliary data connection of a transfer.
type DataConnState int

const (
	// DataDoesNotExist means no data connection is open.
	DataDoesNotExist DataConnState = iota
	// DataWaitingForConnection means the data channel is being set up.
	DataWaitingForConnection
	// DataTransferringData means payload bytes are moving.
	DataTransferringData
	// DataTransferFinished means the channel closed and the completion
	// reply is being confirmed.
	DataTransferFinished
)

// String returns a short tag used in logs.
func (s DataConnState) String() string {
	switch s {
	case DataDoesNotExist:
		return "does_not_exist"
	case DataWaitingForConnection:
		return "waiting_for_connection"
	case DataTransferringData:
		return "transferring_data"
	case DataTransferFinished:
		return "transfer_finished"
	default:
		return "unknown"
	}
}
