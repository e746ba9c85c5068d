package storage

import (
	"fmt"

	"github.com/danmuck/securestore/internal/protocol"
)

const listPageSize = 32

// FileState is where a listed file stands relative to the staged batch.
type FileState int

const (
	Committed FileState = iota
	// Added files exist only in the staged batch.
	Added
	// Removed files are committed but deleted in the staged batch.
	Removed
)

func (s FileState) String() string {
	switch s {
	case Committed:
		return "committed"
	case Added:
		return "added"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type FileInfo struct {
	Name  string
	State FileState
}

func listState(flag protocol.ListFlag) (FileState, bool) {
	switch flag & protocol.ListStateMask {
	case protocol.ListCommitted:
		return Committed, true
	case protocol.ListAdded:
		return Added, true
	case protocol.ListRemoved:
		return Removed, true
	default:
		return 0, false
	}
}

// listFiles pages through the listing until the service reports its end.
func (x exchange) listFiles() ([]FileInfo, error) {
	out := make([]FileInfo, 0)
	req := protocol.ListRequest{MaxCount: listPageSize, Flags: protocol.ListStart}
	for {
		payload, err := req.Encode()
		if err != nil {
			return nil, encodingError(err)
		}
		resp, err := x.send(protocol.CmdFileList, false, payload)
		if err != nil {
			return nil, err
		}
		entries, err := protocol.DecodeListResponse(resp.Payload)
		if err != nil {
			return nil, codeError(CodeGeneric, err)
		}
		if len(entries) == 0 {
			return out, nil
		}
		for _, e := range entries {
			if e.Flags&protocol.ListStateMask == protocol.ListEnd {
				return out, nil
			}
			state, ok := listState(e.Flags)
			if !ok {
				return nil, codeError(CodeGeneric, fmt.Errorf("list entry %q has flags %d", e.Name, e.Flags))
			}
			out = append(out, FileInfo{Name: e.Name, State: state})
		}
		last := entries[len(entries)-1]
		req = protocol.ListRequest{MaxCount: listPageSize, Flags: last.Flags, Name: last.Name}
	}
}
