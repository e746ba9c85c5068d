package schema

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/securestore/internal/protocol"
)

// Contract describes the request and response payload shape of one command.
//
// MinRequest/MinResponse are fixed-prefix sizes. Variable payloads (names,
// data, list entries) may extend past the prefix; fixed ones may not.
type Contract struct {
	Name          string
	MinRequest    int
	FixedRequest  bool
	MinResponse   int
	FixedResponse bool
	FlagMask      uint32
	HasFlags      bool
}

type ValidationError struct {
	Cmd    protocol.Command
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("schema: cmd=%s(%d): %s", e.Cmd, uint32(e.Cmd), e.Reason)
}

var contracts = map[protocol.Command]Contract{
	protocol.CmdFileDelete: {
		Name:          "file_delete",
		MinRequest:    4 + 1,
		FixedResponse: true,
		FlagMask:      protocol.DeleteMask,
		HasFlags:      true,
	},
	protocol.CmdFileOpen: {
		Name:          "file_open",
		MinRequest:    4 + 1,
		MinResponse:   4,
		FixedResponse: true,
		FlagMask:      protocol.OpenMask,
		HasFlags:      true,
	},
	protocol.CmdFileClose: {
		Name:          "file_close",
		MinRequest:    4,
		FixedRequest:  true,
		FixedResponse: true,
	},
	protocol.CmdFileRead: {
		Name:         "file_read",
		MinRequest:   16,
		FixedRequest: true,
	},
	protocol.CmdFileWrite: {
		Name:          "file_write",
		MinRequest:    16,
		MinResponse:   4,
		FixedResponse: true,
	},
	protocol.CmdFileGetSize: {
		Name:          "file_get_size",
		MinRequest:    4,
		FixedRequest:  true,
		MinResponse:   8,
		FixedResponse: true,
	},
	protocol.CmdFileSetSize: {
		Name:          "file_set_size",
		MinRequest:    12,
		FixedRequest:  true,
		FixedResponse: true,
	},
	protocol.CmdEndTransaction: {
		Name:          "end_transaction",
		FixedRequest:  true,
		FixedResponse: true,
	},
	protocol.CmdFileMove: {
		Name:          "file_move",
		MinRequest:    12 + 2,
		FixedResponse: true,
		FlagMask:      protocol.MoveMask,
		HasFlags:      true,
	},
	protocol.CmdFileList: {
		Name:       "file_list",
		MinRequest: 2 + 1,
	},
}

// Lookup returns the contract for a request command.
func Lookup(cmd protocol.Command) (Contract, bool) {
	c, ok := contracts[cmd.Request()]
	return c, ok
}

// ValidateRequest enforces the payload size rules and flag masks for a request.
// Field-level decoding is left to the protocol payload decoders.
func ValidateRequest(msg protocol.Message) error {
	log.Debug().Str("cmd", msg.Cmd.String()).Int("payload", len(msg.Payload)).Msg("schema.ValidateRequest")
	if msg.Cmd.IsResponse() {
		return ValidationError{Cmd: msg.Cmd, Reason: "response command in request"}
	}
	c, ok := contracts[msg.Cmd]
	if !ok {
		log.Error().Uint32("cmd", uint32(msg.Cmd)).Msg("schema.ValidateRequest unknown command")
		return ValidationError{Cmd: msg.Cmd, Reason: "unknown command"}
	}
	if err := checkSize(msg.Cmd, len(msg.Payload), c.MinRequest, c.FixedRequest); err != nil {
		return err
	}
	if c.HasFlags {
		flags := uint32(msg.Payload[0]) | uint32(msg.Payload[1])<<8 | uint32(msg.Payload[2])<<16 | uint32(msg.Payload[3])<<24
		if flags&^c.FlagMask != 0 {
			log.Error().
				Str("cmd", msg.Cmd.String()).
				Uint32("flags", flags).
				Uint32("mask", c.FlagMask).
				Msg("schema.ValidateRequest unsupported flags")
			return ValidationError{Cmd: msg.Cmd, Reason: "unsupported flags"}
		}
	}
	return nil
}

// ValidateResponse enforces the payload size rules for a successful response.
// Error responses carry no payload.
func ValidateResponse(msg protocol.Message) error {
	if !msg.Cmd.IsResponse() {
		return ValidationError{Cmd: msg.Cmd, Reason: "request command in response"}
	}
	if msg.Cmd == protocol.CmdRespMsgErr {
		return nil
	}
	c, ok := contracts[msg.Cmd.Request()]
	if !ok {
		return ValidationError{Cmd: msg.Cmd, Reason: "unknown command"}
	}
	if msg.Result != protocol.StatusOK {
		if len(msg.Payload) != 0 {
			return ValidationError{Cmd: msg.Cmd, Reason: "payload on error response"}
		}
		return nil
	}
	return checkSize(msg.Cmd, len(msg.Payload), c.MinResponse, c.FixedResponse)
}

func checkSize(cmd protocol.Command, got, min int, fixed bool) error {
	if got < min {
		log.Error().Str("cmd", cmd.String()).Int("got", got).Int("want", min).Msg("schema payload too short")
		return ValidationError{Cmd: cmd, Reason: "payload too short"}
	}
	if fixed && got != min {
		log.Error().Str("cmd", cmd.String()).Int("got", got).Int("want", min).Msg("schema payload length mismatch")
		return ValidationError{Cmd: cmd, Reason: "payload length mismatch"}
	}
	return nil
}
