package chatui

import (
	"context"
	"strings"

	"github.com/agusx1211/dispatch/internal/converse"
	"github.com/agusx1211/dispatch/internal/dispatch"
)

// Machine is the part of converse.Machine the chat front ends drive.
type Machine interface {
	Submit(ctx context.Context, text string, attachments ...converse.Attachment) error
	RespondToQuestion(ctx context.Context, answers map[string]string) error
	Approve(ctx context.Context) (dispatch.Action, error)
	Stop()
	Reset()
	State() converse.State
	Subscribe() <-chan converse.State
}

type command int

const (
	cmdSay command = iota
	cmdApprove
	cmdStop
	cmdReset
	cmdQuit
	cmdHelp
)

// parseCommand recognizes slash commands. Anything else is a message.
func parseCommand(line string) command {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "/approve", "/yes":
		return cmdApprove
	case "/stop":
		return cmdStop
	case "/reset", "/new":
		return cmdReset
	case "/quit", "/exit":
		return cmdQuit
	case "/help", "/?":
		return cmdHelp
	}
	return cmdSay
}

const helpText = "/approve run the proposed action · /stop cancel the reply · /reset start over · /quit leave"
