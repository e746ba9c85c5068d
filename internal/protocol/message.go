package protocol

import "github.com/danmuck/securestore/internal/protocol/frame"

// Message is a decoded storage message: header fields lifted into protocol
// types plus the raw payload.
type Message struct {
	Cmd     Command
	OpID    uint32
	Flags   MsgFlag
	Result  Status
	Payload []byte
}

// NewRequest builds a request message. OpID is assigned by the transport.
func NewRequest(cmd Command, flags MsgFlag, payload []byte) Message {
	return Message{Cmd: cmd.Request(), Flags: flags, Payload: payload}
}

// Reply builds the response to m carrying status and payload.
func (m Message) Reply(status Status, payload []byte) Message {
	return Message{
		Cmd:     m.Cmd.Response(),
		OpID:    m.OpID,
		Result:  status,
		Payload: payload,
	}
}

// ErrorReply answers a message the peer could not parse at all.
func ErrorReply(opID uint32, status Status) Message {
	return Message{Cmd: CmdRespMsgErr, OpID: opID, Result: status}
}

// Complete reports whether the message finalizes the staged batch.
func (m Message) Complete() bool {
	return m.Flags&FlagTransactComplete != 0
}

func (m Message) Frame() frame.Frame {
	return frame.Frame{
		Header: frame.Header{
			Cmd:    uint32(m.Cmd),
			OpID:   m.OpID,
			Flags:  uint32(m.Flags),
			Result: int32(m.Result),
		},
		Payload: m.Payload,
	}
}

func FromFrame(f frame.Frame) Message {
	return Message{
		Cmd:     Command(f.Header.Cmd),
		OpID:    f.Header.OpID,
		Flags:   MsgFlag(f.Header.Flags),
		Result:  Status(f.Header.Result),
		Payload: f.Payload,
	}
}
