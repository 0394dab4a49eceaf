package protocol

import (
	"strings"
	"testing"
)

func TestValidTicketAcceptsAlnum48(t *testing.T) {
	ticket := []byte(strings.Repeat("a1B2", 12))
	if !ValidTicket(ticket) {
		t.Fatal("expected a 48-byte alphanumeric ticket to be valid")
	}
}

func TestValidTicketRejectsWrongLength(t *testing.T) {
	if ValidTicket([]byte(strings.Repeat("a", 47))) {
		t.Fatal("expected a 47-byte ticket to be rejected")
	}
	if ValidTicket([]byte(strings.Repeat("a", 49))) {
		t.Fatal("expected a 49-byte ticket to be rejected")
	}
}

func TestValidTicketRejectsNonAlnum(t *testing.T) {
	ticket := []byte(strings.Repeat("a", 47) + "-")
	if ValidTicket(ticket) {
		t.Fatal("expected a ticket with a non-alphanumeric byte to be rejected")
	}
}
