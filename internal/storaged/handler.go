package storaged

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/securestore/internal/observability"
	"github.com/danmuck/securestore/internal/protocol"
	"github.com/danmuck/securestore/internal/protocol/schema"
)

const (
	defaultListPage = 32
	maxFileSize     = 64 << 20
)

// connState is the service side of one client connection: its open
// handles and its staged batch.
type connState struct {
	store   *Store
	log     zerolog.Logger
	handles map[uint32]string
	next    uint32
	batch   *batch
}

func newConnState(store *Store, logger zerolog.Logger) *connState {
	return &connState{
		store:   store,
		log:     logger,
		handles: make(map[uint32]string),
		batch:   newBatch(),
	}
}

// release drops the staged batch and every handle. It runs when the
// connection goes away.
func (c *connState) release() {
	if len(c.batch.files) > 0 || c.batch.failed {
		c.log.Debug().Int("staged", len(c.batch.files)).Msg("storaged discard on disconnect")
		observability.RecordServiceFinalize(c.store.Port(), "disconnected")
	}
	c.batch.reset()
	for h, name := range c.handles {
		c.store.release(name)
		delete(c.handles, h)
	}
}

// handle answers one request.
func (c *connState) handle(msg protocol.Message) protocol.Message {
	start := time.Now()
	resp := c.respond(msg)
	observability.RecordServiceRequest(c.store.Port(), msg.Cmd.String(), resp.Result.String(), time.Since(start))
	c.log.Debug().
		Str("cmd", msg.Cmd.String()).
		Uint32("op_id", msg.OpID).
		Bool("complete", msg.Complete()).
		Str("result", resp.Result.String()).
		Msg("storaged request")
	return resp
}

func (c *connState) respond(msg protocol.Message) protocol.Message {
	if msg.Cmd == protocol.CmdRPMBSend {
		return msg.Reply(protocol.StatusUnimplemented, nil)
	}
	if _, ok := schema.Lookup(msg.Cmd); !ok || msg.Cmd.IsResponse() {
		return protocol.ErrorReply(msg.OpID, protocol.StatusNotValid)
	}
	if err := schema.ValidateRequest(msg); err != nil {
		c.log.Warn().Err(err).Msg("storaged rejected request")
		return msg.Reply(protocol.StatusNotValid, nil)
	}

	switch msg.Cmd {
	case protocol.CmdFileClose:
		return msg.Reply(c.closeHandle(msg.Payload), nil)
	case protocol.CmdEndTransaction:
		return msg.Reply(c.endTransaction(msg.Complete()), nil)
	}
	if c.batch.failed {
		return msg.Reply(protocol.StatusTransact, nil)
	}

	status, payload, mutating := c.apply(msg)
	if status != protocol.StatusOK {
		if mutating {
			c.batch.fail(msg.Complete())
			if msg.Complete() {
				observability.RecordServiceFinalize(c.store.Port(), "failed")
			}
		}
		return msg.Reply(status, nil)
	}
	if msg.Complete() {
		if status := c.finalize(); status != protocol.StatusOK {
			return msg.Reply(status, nil)
		}
	}
	return msg.Reply(protocol.StatusOK, payload)
}

func (c *connState) apply(msg protocol.Message) (protocol.Status, []byte, bool) {
	switch msg.Cmd {
	case protocol.CmdFileOpen:
		return c.open(msg.Payload)
	case protocol.CmdFileDelete:
		return c.remove(msg.Payload)
	case protocol.CmdFileMove:
		return c.move(msg.Payload)
	case protocol.CmdFileWrite:
		return c.write(msg.Payload)
	case protocol.CmdFileSetSize:
		return c.setSize(msg.Payload)
	case protocol.CmdFileRead:
		status, data := c.read(msg.Payload)
		return status, data, false
	case protocol.CmdFileGetSize:
		status, data := c.getSize(msg.Payload)
		return status, data, false
	case protocol.CmdFileList:
		status, data := c.list(msg.Payload)
		return status, data, false
	default:
		return protocol.StatusUnimplemented, nil, false
	}
}

// finalize commits the batch and clears it whatever the outcome.
func (c *connState) finalize() protocol.Status {
	staged := len(c.batch.files)
	status := c.store.commit(c.batch)
	c.batch.reset()
	if staged == 0 {
		return status
	}
	outcome := "committed"
	switch status {
	case protocol.StatusOK:
	case protocol.StatusTransact:
		outcome = "conflict"
	default:
		outcome = "failed"
	}
	observability.RecordServiceFinalize(c.store.Port(), outcome)
	c.log.Debug().Int("staged", staged).Str("outcome", outcome).Msg("storaged finalize")
	return status
}

func (c *connState) endTransaction(commit bool) protocol.Status {
	if !commit {
		if len(c.batch.files) > 0 || c.batch.failed {
			observability.RecordServiceFinalize(c.store.Port(), "discarded")
		}
		c.batch.reset()
		return protocol.StatusOK
	}
	if c.batch.failed {
		c.batch.reset()
		observability.RecordServiceFinalize(c.store.Port(), "failed")
		return protocol.StatusTransact
	}
	return c.finalize()
}

func (c *connState) open(payload []byte) (protocol.Status, []byte, bool) {
	req, err := protocol.DecodeOpenRequest(payload)
	if err != nil || req.Name == "" {
		return protocol.StatusNotValid, nil, false
	}
	create := req.Flags&protocol.OpenCreate != 0
	exclusive := req.Flags&protocol.OpenCreateExclusive != 0
	truncate := req.Flags&protocol.OpenTruncate != 0
	mutating := create || truncate
	if exclusive && !create {
		return protocol.StatusNotValid, nil, mutating
	}

	_, exists := c.batch.view(c.store, req.Name)
	switch {
	case exists && exclusive:
		return protocol.StatusExist, nil, mutating
	case !exists && !create:
		return protocol.StatusNotFound, nil, mutating
	}
	if !c.store.acquire(req.Name) {
		return protocol.StatusBusy, nil, mutating
	}
	if !exists || truncate {
		f := c.batch.stage(c.store, req.Name)
		f.data = []byte{}
		f.deleted = false
	}
	c.next++
	c.handles[c.next] = req.Name
	return protocol.StatusOK, protocol.OpenResponse{Handle: c.next}.Encode(), mutating
}

func (c *connState) closeHandle(payload []byte) protocol.Status {
	req, err := protocol.DecodeCloseRequest(payload)
	if err != nil {
		return protocol.StatusNotValid
	}
	name, ok := c.handles[req.Handle]
	if !ok {
		return protocol.StatusNotValid
	}
	delete(c.handles, req.Handle)
	c.store.release(name)
	return protocol.StatusOK
}

func (c *connState) remove(payload []byte) (protocol.Status, []byte, bool) {
	req, err := protocol.DecodeDeleteRequest(payload)
	if err != nil || req.Name == "" {
		return protocol.StatusNotValid, nil, true
	}
	if _, ok := c.batch.view(c.store, req.Name); !ok {
		return protocol.StatusNotFound, nil, true
	}
	if c.store.isOpen(req.Name) {
		return protocol.StatusBusy, nil, true
	}
	f := c.batch.stage(c.store, req.Name)
	f.data = nil
	f.deleted = true
	return protocol.StatusOK, nil, true
}

func (c *connState) move(payload []byte) (protocol.Status, []byte, bool) {
	req, err := protocol.DecodeMoveRequest(payload)
	if err != nil || req.OldName == "" || req.NewName == "" {
		return protocol.StatusNotValid, nil, true
	}
	if req.OldName == req.NewName {
		return protocol.StatusNotValid, nil, true
	}
	data, ok := c.batch.view(c.store, req.OldName)
	if !ok {
		return protocol.StatusNotFound, nil, true
	}
	carry := req.Flags&protocol.MoveOpenFile != 0
	if carry {
		if c.handles[req.Handle] != req.OldName {
			return protocol.StatusNotValid, nil, true
		}
	} else if c.store.isOpen(req.OldName) {
		return protocol.StatusBusy, nil, true
	}
	_, exists := c.batch.view(c.store, req.NewName)
	switch {
	case exists && req.Flags&protocol.MoveCreateExclusive != 0:
		return protocol.StatusExist, nil, true
	case !exists && req.Flags&protocol.MoveCreate == 0:
		return protocol.StatusNotFound, nil, true
	}
	if c.store.isOpen(req.NewName) {
		return protocol.StatusBusy, nil, true
	}

	dst := c.batch.stage(c.store, req.NewName)
	dst.data = append([]byte(nil), data...)
	dst.deleted = false
	src := c.batch.stage(c.store, req.OldName)
	src.data = nil
	src.deleted = true

	if carry {
		c.store.release(req.OldName)
		c.store.acquire(req.NewName)
		c.handles[req.Handle] = req.NewName
	}
	return protocol.StatusOK, nil, true
}

// lookup resolves a handle to its name and current contents.
func (c *connState) lookup(handle uint32) (string, []byte, protocol.Status) {
	name, ok := c.handles[handle]
	if !ok {
		return "", nil, protocol.StatusNotValid
	}
	data, ok := c.batch.view(c.store, name)
	if !ok {
		return "", nil, protocol.StatusNotFound
	}
	return name, data, protocol.StatusOK
}

func (c *connState) write(payload []byte) (protocol.Status, []byte, bool) {
	req, err := protocol.DecodeWriteRequest(payload)
	if err != nil {
		return protocol.StatusNotValid, nil, true
	}
	name, data, status := c.lookup(req.Handle)
	if status != protocol.StatusOK {
		return status, nil, true
	}
	end := req.Offset + uint64(len(req.Data))
	if req.Offset > uint64(len(data)) || end > uint64(maxFileSize) {
		return protocol.StatusNotValid, nil, true
	}
	size := max(int(end), len(data))
	if !c.store.fits(c.batch, name, size) {
		return protocol.StatusNoSpace, nil, true
	}
	f := c.batch.stage(c.store, name)
	if size > len(f.data) {
		f.data = append(f.data, make([]byte, size-len(f.data))...)
	}
	copy(f.data[req.Offset:], req.Data)
	return protocol.StatusOK, protocol.WriteResponse{Written: uint32(len(req.Data))}.Encode(), true
}

func (c *connState) setSize(payload []byte) (protocol.Status, []byte, bool) {
	req, err := protocol.DecodeSetSizeRequest(payload)
	if err != nil {
		return protocol.StatusNotValid, nil, true
	}
	name, _, status := c.lookup(req.Handle)
	if status != protocol.StatusOK {
		return status, nil, true
	}
	if req.Size > uint64(maxFileSize) {
		return protocol.StatusNotValid, nil, true
	}
	size := int(req.Size)
	if !c.store.fits(c.batch, name, size) {
		return protocol.StatusNoSpace, nil, true
	}
	f := c.batch.stage(c.store, name)
	if size <= len(f.data) {
		f.data = f.data[:size:size]
	} else {
		f.data = append(f.data, make([]byte, size-len(f.data))...)
	}
	return protocol.StatusOK, nil, true
}

func (c *connState) read(payload []byte) (protocol.Status, []byte) {
	req, err := protocol.DecodeReadRequest(payload)
	if err != nil {
		return protocol.StatusNotValid, nil
	}
	_, data, status := c.lookup(req.Handle)
	if status != protocol.StatusOK {
		return status, nil
	}
	if req.Offset > uint64(len(data)) {
		return protocol.StatusNotValid, nil
	}
	end := min(req.Offset+uint64(req.Size), uint64(len(data)))
	return protocol.StatusOK, append([]byte(nil), data[req.Offset:end]...)
}

func (c *connState) getSize(payload []byte) (protocol.Status, []byte) {
	req, err := protocol.DecodeGetSizeRequest(payload)
	if err != nil {
		return protocol.StatusNotValid, nil
	}
	_, data, status := c.lookup(req.Handle)
	if status != protocol.StatusOK {
		return status, nil
	}
	return protocol.StatusOK, protocol.GetSizeResponse{Size: uint64(len(data))}.Encode()
}

// list answers one page. A page shorter than max_count ends with a
// ListEnd entry.
func (c *connState) list(payload []byte) (protocol.Status, []byte) {
	req, err := protocol.DecodeListRequest(payload)
	if err != nil {
		return protocol.StatusNotValid, nil
	}
	limit := int(req.MaxCount)
	if limit == 0 {
		limit = defaultListPage
	}
	all := c.batch.listing(c.store)
	start := 0
	if req.Flags&protocol.ListStateMask != protocol.ListStart {
		for start < len(all) && all[start].Name <= req.Name {
			start++
		}
	}
	page := all[start:min(start+limit, len(all))]
	if len(page) < limit {
		page = append(page, protocol.ListEntry{Flags: protocol.ListEnd})
	}
	out, err := protocol.EncodeListResponse(page)
	if err != nil {
		return protocol.StatusGeneric, nil
	}
	return protocol.StatusOK, out
}
