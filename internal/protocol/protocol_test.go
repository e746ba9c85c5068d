package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/securestore/internal/protocol/frame"
)

func TestCommandValuesMatchWireContract(t *testing.T) {
	cases := map[Command]uint32{
		CmdFileDelete:     2,
		CmdFileOpen:       4,
		CmdFileClose:      6,
		CmdFileRead:       8,
		CmdFileWrite:      10,
		CmdFileGetSize:    12,
		CmdFileSetSize:    14,
		CmdRPMBSend:       16,
		CmdEndTransaction: 18,
		CmdFileMove:       20,
		CmdFileList:       22,
	}
	for cmd, want := range cases {
		assert.Equal(t, want, uint32(cmd), cmd.String())
		assert.False(t, cmd.IsResponse())
		assert.True(t, cmd.Response().IsResponse())
		assert.Equal(t, cmd, cmd.Response().Request())
	}
	assert.Equal(t, "file_open.resp", CmdFileOpen.Response().String())
	assert.Equal(t, "resp_msg_err", CmdRespMsgErr.String())
}

func TestCompleteFlagIsPostCommit(t *testing.T) {
	assert.Equal(t, MsgFlag(4), CompleteFlag(true))
	assert.Equal(t, MsgFlag(0), CompleteFlag(false))
	assert.True(t, NewRequest(CmdEndTransaction, CompleteFlag(true), nil).Complete())
	assert.False(t, NewRequest(CmdEndTransaction, CompleteFlag(false), nil).Complete())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "not_found", StatusNotFound.String())
	assert.Equal(t, "transact", StatusTransact.String())
	assert.Equal(t, "status(-3)", Status(-3).String())
}

func TestEncodeNameRejectsEmbeddedNul(t *testing.T) {
	_, err := EncodeName("a\x00b")
	require.ErrorIs(t, err, ErrEmbeddedNul)

	b, err := EncodeName("cfg")
	require.NoError(t, err)
	assert.Equal(t, []byte("cfg\x00"), b)
}

func TestOpenRequestLayout(t *testing.T) {
	b, err := OpenRequest{Flags: OpenCreate | OpenTruncate, Name: "keys"}.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 0, 0, 0, 'k', 'e', 'y', 's', 0}, b)

	out, err := DecodeOpenRequest(b)
	require.NoError(t, err)
	assert.Equal(t, OpenRequest{Flags: 5, Name: "keys"}, out)

	_, err = DecodeOpenRequest(b[:len(b)-1])
	require.ErrorIs(t, err, ErrNameNotTerminated)
	_, err = DecodeOpenRequest(append(b, 'x'))
	require.ErrorIs(t, err, ErrTrailingBytes)
	_, err = DecodeOpenRequest([]byte{1, 0})
	require.ErrorIs(t, err, ErrTruncated)
}

func TestWriteRequestLayout(t *testing.T) {
	b := WriteRequest{Offset: 0x0102, Handle: 7, Data: []byte("hi")}.Encode()
	require.Len(t, b, 18)
	assert.Equal(t, []byte{0x02, 0x01, 0, 0, 0, 0, 0, 0}, b[0:8])
	assert.Equal(t, []byte{7, 0, 0, 0}, b[8:12])
	assert.Equal(t, []byte{0, 0, 0, 0}, b[12:16])

	out, err := DecodeWriteRequest(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102), out.Offset)
	assert.Equal(t, uint32(7), out.Handle)
	assert.Equal(t, []byte("hi"), out.Data)

	b[12] = 1
	_, err = DecodeWriteRequest(b)
	require.ErrorIs(t, err, ErrInvalidFlags)
}

func TestFixedPayloadLengths(t *testing.T) {
	assert.Len(t, ReadRequest{Handle: 1, Size: 2, Offset: 3}.Encode(), 16)
	assert.Len(t, SetSizeRequest{Size: 1, Handle: 2}.Encode(), 12)
	assert.Len(t, GetSizeResponse{Size: 9}.Encode(), 8)

	rr, err := DecodeReadRequest(ReadRequest{Handle: 1, Size: 2, Offset: 3}.Encode())
	require.NoError(t, err)
	assert.Equal(t, ReadRequest{Handle: 1, Size: 2, Offset: 3}, rr)

	ss, err := DecodeSetSizeRequest(SetSizeRequest{Size: 1 << 40, Handle: 2}.Encode())
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<40), ss.Size)

	_, err = DecodeGetSizeResponse([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrTruncated)
	_, err = DecodeOpenResponse([]byte{1, 2, 3, 4, 5})
	require.ErrorIs(t, err, ErrTrailingBytes)
}

func TestMoveRequestLayout(t *testing.T) {
	req := MoveRequest{Flags: MoveCreate, OldName: "a", NewName: "bc"}
	b, err := req.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 'a', 0, 'b', 'c', 0}, b)

	out, err := DecodeMoveRequest(b)
	require.NoError(t, err)
	assert.Equal(t, req, out)

	bad := bytes.Clone(b)
	bad[8] = 3
	_, err = DecodeMoveRequest(bad)
	require.ErrorIs(t, err, ErrNameLenMismatch)

	bad[8] = 40
	_, err = DecodeMoveRequest(bad)
	require.ErrorIs(t, err, ErrTruncated)

	_, err = MoveRequest{OldName: "a", NewName: "b\x00"}.Encode()
	require.ErrorIs(t, err, ErrEmbeddedNul)
}

func TestListPayloads(t *testing.T) {
	b, err := ListRequest{MaxCount: 8, Flags: ListStart}.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{8, 0, 0}, b)

	req, err := DecodeListRequest([]byte{4, byte(ListCommitted), 'x', 0})
	require.NoError(t, err)
	assert.Equal(t, ListRequest{MaxCount: 4, Flags: ListCommitted, Name: "x"}, req)

	entries := []ListEntry{
		{Flags: ListCommitted, Name: "one"},
		{Flags: ListAdded, Name: "two"},
		{Flags: ListEnd},
	}
	encoded, err := EncodeListResponse(entries)
	require.NoError(t, err)
	decoded, err := DecodeListResponse(encoded)
	require.NoError(t, err)
	assert.Equal(t, entries, decoded)

	empty, err := DecodeListResponse(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = DecodeListResponse([]byte{2, 'a'})
	require.ErrorIs(t, err, ErrNameNotTerminated)
}

func TestMessageFrameConversion(t *testing.T) {
	req := NewRequest(CmdFileWrite.Response(), CompleteFlag(true), []byte{1})
	assert.Equal(t, CmdFileWrite, req.Cmd)
	req.OpID = 9

	resp := req.Reply(StatusNoSpace, nil)
	assert.Equal(t, CmdFileWrite.Response(), resp.Cmd)
	assert.Equal(t, uint32(9), resp.OpID)

	var buf bytes.Buffer
	require.NoError(t, frame.WriteFrame(&buf, resp.Frame(), frame.DefaultLimits()))
	f, err := frame.ReadFrame(&buf, frame.DefaultLimits())
	require.NoError(t, err)
	back := FromFrame(f)
	assert.Equal(t, StatusNoSpace, back.Result)
	assert.Equal(t, resp.Cmd, back.Cmd)

	errResp := ErrorReply(3, StatusNotValid)
	assert.Equal(t, CmdRespMsgErr, errResp.Cmd)
}
