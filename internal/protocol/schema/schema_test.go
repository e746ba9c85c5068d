package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/securestore/internal/protocol"
	"github.com/danmuck/securestore/internal/testutil/testlog"
)

func mustPayload(t *testing.T, b []byte, err error) []byte {
	t.Helper()
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return b
}

func TestValidateRequestAcceptsEncodedPayloads(t *testing.T) {
	testlog.Start(t)
	openRaw, openErr := protocol.OpenRequest{Flags: protocol.OpenCreate, Name: "a"}.Encode()
	open := mustPayload(t, openRaw, openErr)
	delRaw, delErr := protocol.DeleteRequest{Name: "a"}.Encode()
	del := mustPayload(t, delRaw, delErr)
	moveRaw, moveErr := protocol.MoveRequest{Flags: protocol.MoveCreate, OldName: "a", NewName: "b"}.Encode()
	move := mustPayload(t, moveRaw, moveErr)
	listRaw, listErr := protocol.ListRequest{MaxCount: 1}.Encode()
	list := mustPayload(t, listRaw, listErr)

	msgs := []protocol.Message{
		protocol.NewRequest(protocol.CmdFileOpen, 0, open),
		protocol.NewRequest(protocol.CmdFileDelete, 0, del),
		protocol.NewRequest(protocol.CmdFileMove, 0, move),
		protocol.NewRequest(protocol.CmdFileList, 0, list),
		protocol.NewRequest(protocol.CmdFileClose, 0, protocol.CloseRequest{Handle: 1}.Encode()),
		protocol.NewRequest(protocol.CmdFileRead, 0, protocol.ReadRequest{Handle: 1, Size: 4}.Encode()),
		protocol.NewRequest(protocol.CmdFileWrite, 0, protocol.WriteRequest{Handle: 1, Data: []byte("x")}.Encode()),
		protocol.NewRequest(protocol.CmdFileGetSize, 0, protocol.GetSizeRequest{Handle: 1}.Encode()),
		protocol.NewRequest(protocol.CmdFileSetSize, 0, protocol.SetSizeRequest{Handle: 1}.Encode()),
		protocol.NewRequest(protocol.CmdEndTransaction, protocol.FlagTransactComplete, nil),
	}
	for _, msg := range msgs {
		if err := ValidateRequest(msg); err != nil {
			t.Fatalf("validate %s: %v", msg.Cmd, err)
		}
	}
}

func TestValidateRequestUnknownCommandDeterministic(t *testing.T) {
	testlog.Start(t)
	err := ValidateRequest(protocol.NewRequest(protocol.CmdRPMBSend, 0, nil))
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.Reason != "unknown command" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateRequestFixedLengthMismatch(t *testing.T) {
	testlog.Start(t)
	err := ValidateRequest(protocol.NewRequest(protocol.CmdFileGetSize, 0, []byte{1, 0, 0, 0, 0}))
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Reason != "payload length mismatch" {
		t.Fatalf("unexpected error: %v", err)
	}

	err = ValidateRequest(protocol.NewRequest(protocol.CmdEndTransaction, 0, []byte{0}))
	if !errors.As(err, &ve) || ve.Reason != "payload length mismatch" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRequestTooShort(t *testing.T) {
	testlog.Start(t)
	err := ValidateRequest(protocol.NewRequest(protocol.CmdFileWrite, 0, make([]byte, 15)))
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Reason != "payload too short" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRequestRejectsUnsupportedFlags(t *testing.T) {
	testlog.Start(t)
	openRaw, openErr := protocol.OpenRequest{Flags: 1 << 5, Name: "a"}.Encode()
	open := mustPayload(t, openRaw, openErr)
	err := ValidateRequest(protocol.NewRequest(protocol.CmdFileOpen, 0, open))
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Reason != "unsupported flags" {
		t.Fatalf("unexpected error: %v", err)
	}

	delRaw, delErr := protocol.DeleteRequest{Flags: 1, Name: "a"}.Encode()
	del := mustPayload(t, delRaw, delErr)
	if err := ValidateRequest(protocol.NewRequest(protocol.CmdFileDelete, 0, del)); err == nil {
		t.Fatalf("expected delete flags to be rejected")
	}
}

func TestValidateResponseShapes(t *testing.T) {
	testlog.Start(t)
	req := protocol.NewRequest(protocol.CmdFileOpen, 0, nil)
	if err := ValidateResponse(req.Reply(protocol.StatusOK, protocol.OpenResponse{Handle: 3}.Encode())); err != nil {
		t.Fatalf("validate open response: %v", err)
	}
	if err := ValidateResponse(req.Reply(protocol.StatusNotFound, nil)); err != nil {
		t.Fatalf("validate error response: %v", err)
	}
	if err := ValidateResponse(req.Reply(protocol.StatusNotFound, []byte{1})); err == nil {
		t.Fatalf("expected payload on error response to be rejected")
	}
	if err := ValidateResponse(req.Reply(protocol.StatusOK, nil)); err == nil {
		t.Fatalf("expected short open response to be rejected")
	}

	read := protocol.NewRequest(protocol.CmdFileRead, 0, nil)
	if err := ValidateResponse(read.Reply(protocol.StatusOK, make([]byte, 100))); err != nil {
		t.Fatalf("validate read response: %v", err)
	}
	if err := ValidateResponse(protocol.ErrorReply(0, protocol.StatusNotValid)); err != nil {
		t.Fatalf("validate resp_msg_err: %v", err)
	}
	if err := ValidateResponse(read); err == nil {
		t.Fatalf("expected request command to be rejected")
	}
}

func TestLookupNormalizesResponseBit(t *testing.T) {
	testlog.Start(t)
	c, ok := Lookup(protocol.CmdFileMove.Response())
	if !ok || c.Name != "file_move" {
		t.Fatalf("unexpected lookup: %+v ok=%v", c, ok)
	}
}
