package protocol

import "time"

// Handshake is the fixed preamble a client must send before any command.
// This is seven bytes on the wire (see DESIGN.md for the resolution of
// spec.md §4.4's "exactly 8 bytes" versus the seven values it lists).
var Handshake = []byte{0x5A, 'M', 'G', 'B', 0xA5, 0x01, 0x00}

// Fixed field lengths, from spec.md §4.1/§4.4/§6.
const (
	TicketLength   = 48
	PasswordLength = 64
	CommandLength  = 4
)

// Command tokens, ASCII 4 bytes each.
const (
	CmdOpen = "OPEN"
	CmdTest = "TEST"
	CmdStat = "STAT"
	CmdInfo = "INFO"
)

// Response tokens.
var (
	RespOK           = []byte("OK")
	RespErrorTicket  = []byte("ERROR_TICKET")
	RespErrorCommand = []byte("ERROR_COMMAND")
	RespTimeout      = []byte("TIMEOUT")
	RespForbidden    = []byte("FORBIDDEN")
)

// ReadTimeout bounds how long the broker waits for the handshake, command
// token, and command payload before giving up on a connection.
const ReadTimeout = 60 * time.Second
