package protocol

import "fmt"

// Command identifies a storage request. Requests are n<<1; responses set bit 0.
type Command uint32

const (
	RespBit Command = 1

	CmdRespMsgErr     Command = RespBit
	CmdFileDelete     Command = 1 << 1
	CmdFileOpen       Command = 2 << 1
	CmdFileClose      Command = 3 << 1
	CmdFileRead       Command = 4 << 1
	CmdFileWrite      Command = 5 << 1
	CmdFileGetSize    Command = 6 << 1
	CmdFileSetSize    Command = 7 << 1
	CmdRPMBSend       Command = 8 << 1
	CmdEndTransaction Command = 9 << 1
	CmdFileMove       Command = 10 << 1
	CmdFileList       Command = 11 << 1
)

func (c Command) IsResponse() bool { return c&RespBit != 0 }

func (c Command) Response() Command { return c | RespBit }

func (c Command) Request() Command { return c &^ RespBit }

func (c Command) String() string {
	name := "unknown"
	switch c.Request() {
	case CmdFileDelete:
		name = "file_delete"
	case CmdFileOpen:
		name = "file_open"
	case CmdFileClose:
		name = "file_close"
	case CmdFileRead:
		name = "file_read"
	case CmdFileWrite:
		name = "file_write"
	case CmdFileGetSize:
		name = "file_get_size"
	case CmdFileSetSize:
		name = "file_set_size"
	case CmdRPMBSend:
		name = "rpmb_send"
	case CmdEndTransaction:
		name = "end_transaction"
	case CmdFileMove:
		name = "file_move"
	case CmdFileList:
		name = "file_list"
	case 0:
		if c == CmdRespMsgErr {
			return "resp_msg_err"
		}
	}
	if c.IsResponse() {
		return name + ".resp"
	}
	return name
}

// MsgFlag is a protocol-level flag carried in the message header.
type MsgFlag uint32

const (
	// FlagBatch marks a command as part of a batch; not used by this client.
	FlagBatch MsgFlag = 0x1
	// FlagPreCommit asks the service to commit pending changes before the command.
	FlagPreCommit MsgFlag = 0x2
	// FlagPostCommit asks the service to commit pending changes after the command.
	FlagPostCommit MsgFlag = 0x4
	// FlagTransactComplete finalizes the command together with everything staged
	// before it on the same connection.
	FlagTransactComplete = FlagPostCommit
)

// CompleteFlag maps a finalize decision to its header flag.
func CompleteFlag(complete bool) MsgFlag {
	if complete {
		return FlagTransactComplete
	}
	return 0
}

// Status is the result code carried in a response header.
type Status int32

const (
	StatusOK Status = iota
	StatusGeneric
	StatusNotValid
	StatusUnimplemented
	StatusAccess
	StatusNotFound
	StatusExist
	StatusTransact
	StatusBusy
	StatusNotEnoughBuffer
	StatusNoSpace
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusGeneric:
		return "generic"
	case StatusNotValid:
		return "not_valid"
	case StatusUnimplemented:
		return "unimplemented"
	case StatusAccess:
		return "access"
	case StatusNotFound:
		return "not_found"
	case StatusExist:
		return "exist"
	case StatusTransact:
		return "transact"
	case StatusBusy:
		return "busy"
	case StatusNotEnoughBuffer:
		return "not_enough_buffer"
	case StatusNoSpace:
		return "no_space"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Open flags.
const (
	OpenCreate          uint32 = 1 << 0
	OpenCreateExclusive uint32 = 1 << 1
	OpenTruncate        uint32 = 1 << 2
	OpenMask                   = OpenCreate | OpenTruncate | OpenCreateExclusive
)

// Move flags.
const (
	MoveCreate          uint32 = 1 << 0
	MoveCreateExclusive uint32 = 1 << 1
	MoveOpenFile        uint32 = 1 << 2
	MoveMask                   = MoveCreate | MoveCreateExclusive | MoveOpenFile
)

// DeleteMask is the set of delete flags currently supported: none.
const DeleteMask uint32 = 0

// ListFlag is the per-entry state in a file listing.
type ListFlag uint8

const (
	ListStart     ListFlag = 0
	ListEnd       ListFlag = 1
	ListCommitted ListFlag = 2
	ListAdded     ListFlag = 3
	ListRemoved   ListFlag = 4
	ListStateMask ListFlag = 7
)

func (f ListFlag) String() string {
	switch f & ListStateMask {
	case ListStart:
		return "start"
	case ListEnd:
		return "end"
	case ListCommitted:
		return "committed"
	case ListAdded:
		return "added"
	case ListRemoved:
		return "removed"
	default:
		return fmt.Sprintf("list_flag(%d)", uint8(f))
	}
}
