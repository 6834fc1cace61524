package blkfifo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/cfortin/go-blkfifo/internal/constants"
	"github.com/cfortin/go-blkfifo/internal/logging"
	"github.com/cfortin/go-blkfifo/internal/slotpool"
	"github.com/cfortin/go-blkfifo/internal/txn"
)

// Params configures a Server. Zero values fall back to defaults.
type Params struct {
	// SlotCount is the number of hardware command slots, the hard cap on
	// in-flight commands.
	SlotCount int

	// MaxTransferBlocks caps single-command transfer length in blocks.
	// Requests longer than this are split. If the device also reports a
	// limit, the smaller of the two wins.
	MaxTransferBlocks uint32

	// ResponseDepth is the capacity of the response channel.
	ResponseDepth int
}

// DefaultParams returns the default server parameters
func DefaultParams() Params {
	return Params{
		SlotCount:         constants.DefaultSlotCount,
		MaxTransferBlocks: constants.DefaultMaxTransferBlocks,
		ResponseDepth:     constants.DefaultResponseDepth,
	}
}

// Options carries optional Server collaborators.
type Options struct {
	// Context, when set, force-aborts the server when canceled. Graceful
	// shutdown goes through Close.
	Context context.Context

	// Logger overrides the default logger.
	Logger *logging.Logger

	// Observer receives per-command measurements in addition to the
	// server's built-in metrics.
	Observer Observer
}

type serverState = int32

const (
	stateCreated serverState = iota
	stateRunning
	stateClosed
)

type slotCompletion struct {
	tag    uint16
	status Status
}

// logicalRequest is the in-core record of one FIFO entry from Push until
// its completion is accounted. remaining and status are only touched by the
// dispatch goroutine.
type logicalRequest struct {
	req       Request
	x         *txn.Txn // nil for ungrouped entries
	remaining int      // hardware commands still in flight
	status    Status   // first command error wins
	postFlush bool     // ungrouped write owing an emulated post-flush
	flushFor  bool     // this entry is the synthetic flush itself
}

// inflightCommand ties an occupied slot back to its logical request.
type inflightCommand struct {
	lr     *logicalRequest
	opcode Opcode
	bytes  uint64
	start  time.Time
}

// Server schedules block FIFO requests onto a Device with a fixed number of
// hardware command slots. Requests enter through Push, completions leave
// through Responses. One submit goroutine reserves slots and issues
// commands; one dispatch goroutine retires completions, so slot exhaustion
// backpressures submitters without ever blocking the completion path.
type Server struct {
	dev         Device
	info        DeviceInfo
	params      Params
	maxTransfer uint32

	pool    *slotpool.Pool
	tracker *txn.Tracker
	policy  flushPolicy

	session  string
	log      *logging.Logger
	metrics  *Metrics
	observer Observer

	ctx    context.Context
	cancel context.CancelFunc

	inbound     chan Request
	completions chan slotCompletion
	responses   chan Response

	// cmds is indexed by slot tag. Slot exclusivity plus the completions
	// channel ordering make per-index access race-free.
	cmds []*inflightCommand

	// Synthetic flushes queue here and are drained by the submit goroutine
	// ahead of inbound work, so the dispatch goroutine never reserves a
	// slot itself.
	flushMu    sync.Mutex
	flushQueue []*logicalRequest
	wake       chan struct{}

	pushMu  sync.Mutex
	state   atomic.Int32
	started bool

	bufMu      sync.Mutex
	buffers    map[BufferID][]byte
	nextBuffer uint32

	// Logical requests with device commands still outstanding or queued.
	outstanding atomic.Int64

	wg sync.WaitGroup
}

// NewServer creates a server for the given device. Call Start before
// pushing requests.
func NewServer(dev Device, params Params, opts *Options) (*Server, error) {
	if dev == nil {
		return nil, NewError("NEW_SERVER", ErrCodeInvalidArgs, "device is nil")
	}
	if params.SlotCount <= 0 {
		params.SlotCount = constants.DefaultSlotCount
	}
	if params.SlotCount > constants.MaxSlotCount {
		return nil, NewError("NEW_SERVER", ErrCodeInvalidArgs,
			fmt.Sprintf("slot count %d exceeds maximum %d", params.SlotCount, constants.MaxSlotCount))
	}
	if params.ResponseDepth <= 0 {
		params.ResponseDepth = constants.DefaultResponseDepth
	}

	info := dev.Info()
	if info.BlockSize == 0 {
		return nil, NewError("NEW_SERVER", ErrCodeInvalidArgs, "device reports zero block size")
	}

	maxTransfer := params.MaxTransferBlocks
	if maxTransfer == 0 {
		maxTransfer = constants.DefaultMaxTransferBlocks
	}
	if info.MaxTransferBlocks != 0 && info.MaxTransferBlocks < maxTransfer {
		maxTransfer = info.MaxTransferBlocks
	}

	if opts == nil {
		opts = &Options{}
	}
	parent := opts.Context
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	pool, err := slotpool.New(params.SlotCount, constants.DescriptorSize)
	if err != nil {
		cancel()
		return nil, WrapError("NEW_SERVER", err)
	}

	session := xid.New().String()
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	log = log.WithSession(session)

	observer := opts.Observer
	if observer == nil {
		observer = NoOpObserver{}
	}

	s := &Server{
		dev:         dev,
		info:        info,
		params:      params,
		maxTransfer: maxTransfer,
		pool:        pool,
		tracker:     txn.NewTracker(),
		policy:      newFlushPolicy(info),
		session:     session,
		log:         log,
		metrics:     NewMetrics(),
		observer:    observer,
		ctx:         ctx,
		cancel:      cancel,
		inbound:     make(chan Request, params.ResponseDepth),
		completions: make(chan slotCompletion, params.SlotCount),
		responses:   make(chan Response, params.ResponseDepth),
		cmds:        make([]*inflightCommand, params.SlotCount),
		wake:        make(chan struct{}, 1),
		buffers:     make(map[BufferID][]byte),
		nextBuffer:  1,
	}
	return s, nil
}

// Start launches the submit and dispatch goroutines.
func (s *Server) Start() error {
	if !s.state.CompareAndSwap(stateCreated, stateRunning) {
		return NewError("START", ErrCodeServerClosed, "server already started or closed")
	}
	s.started = true

	s.log.Info("server started",
		"slots", s.params.SlotCount,
		"max_transfer_blocks", s.maxTransfer,
		"block_size", s.info.BlockSize,
		"block_count", s.info.BlockCount,
		"native_fua", s.policy.native)

	s.wg.Add(2)
	go s.submitLoop()
	go s.dispatchLoop()
	return nil
}

// Push appends requests to the inbound FIFO in order. It blocks when the
// FIFO is full and fails once the server is closed.
func (s *Server) Push(reqs ...Request) error {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	if s.state.Load() != stateRunning {
		return NewError("PUSH", ErrCodeServerClosed, "server not running")
	}
	for i := range reqs {
		select {
		case s.inbound <- reqs[i]:
		case <-s.ctx.Done():
			return NewError("PUSH", ErrCodeCanceled, "server aborted")
		}
	}
	return nil
}

// Responses returns the channel completions are delivered on. The channel
// is closed after Close once every accepted request has been answered.
// Consumers must drain it; a full response channel stalls the dispatch
// goroutine.
func (s *Server) Responses() <-chan Response {
	return s.responses
}

// AttachBuffer registers a caller data buffer and returns its id for use in
// request Buffer fields. The buffer length must be a non-zero multiple of
// the device block size.
func (s *Server) AttachBuffer(buf []byte) (BufferID, error) {
	if len(buf) == 0 || len(buf)%int(s.info.BlockSize) != 0 {
		return 0, NewError("ATTACH_BUFFER", ErrCodeInvalidArgs,
			fmt.Sprintf("buffer length %d is not a positive multiple of block size %d", len(buf), s.info.BlockSize))
	}

	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	if s.nextBuffer > 0xffff {
		return 0, NewError("ATTACH_BUFFER", ErrCodeInvalidArgs, "buffer ids exhausted")
	}
	id := BufferID(s.nextBuffer)
	s.nextBuffer++
	s.buffers[id] = buf
	return id, nil
}

func (s *Server) lookupBuffer(id BufferID) []byte {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return s.buffers[id]
}

func (s *Server) detachBuffer(id BufferID) Status {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	if _, ok := s.buffers[id]; !ok {
		return StatusInvalidArgs
	}
	delete(s.buffers, id)
	return StatusOK
}

// Metrics returns the server's metrics instance.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Info returns the capability report of the underlying device.
func (s *Server) Info() DeviceInfo {
	return s.info
}

// Session returns the server's session id, also attached to its log lines.
func (s *Server) Session() string {
	return s.session
}

// InFlight returns the number of hardware commands currently occupying
// slots.
func (s *Server) InFlight() int {
	return s.pool.InFlight()
}

// DescriptorBuffer returns the encoded descriptor buffer of an occupied
// slot, for devices that program hardware from it.
func (s *Server) DescriptorBuffer(tag SlotTag) ([]byte, error) {
	buf, err := s.pool.DescriptorBuffer(uint16(tag))
	if err != nil {
		return nil, WrapError("DESCRIPTOR", err)
	}
	return buf, nil
}

// DescriptorAddress returns the device-visible address of a slot's
// descriptor buffer.
func (s *Server) DescriptorAddress(tag SlotTag) (uintptr, error) {
	addr, err := s.pool.DescriptorAddress(uint16(tag))
	if err != nil {
		return 0, WrapError("DESCRIPTOR", err)
	}
	return addr, nil
}

// Close drains the server: no new pushes are accepted, every request
// already accepted runs to completion, then the response channel is closed
// and the device is released.
func (s *Server) Close() error {
	s.pushMu.Lock()
	if !s.state.CompareAndSwap(stateRunning, stateClosed) {
		if !s.state.CompareAndSwap(stateCreated, stateClosed) {
			s.pushMu.Unlock()
			return nil
		}
	}
	close(s.inbound)
	s.pushMu.Unlock()

	if s.started {
		s.wg.Wait()
	}
	s.cancel()
	s.metrics.Stop()

	if open := s.tracker.Open(); open > 0 {
		s.log.Warn("closing with unterminated request groups", "groups", open)
	}

	var firstErr error
	if err := s.pool.Close(); err != nil {
		s.log.WithError(err).Warn("slot pool close failed")
		firstErr = WrapError("CLOSE", err)
	}
	if err := s.dev.Close(); err != nil && firstErr == nil {
		firstErr = WrapError("CLOSE", err)
	}

	s.log.Info("server closed")
	return firstErr
}

// submitLoop is the only goroutine that reserves slots. Synthetic flushes
// take priority over inbound requests so a group response waiting on its
// flush is never starved by new traffic.
func (s *Server) submitLoop() {
	defer s.wg.Done()

	inbound := s.inbound
	for {
		if lr := s.popFlush(); lr != nil {
			s.submitFlush(lr)
			continue
		}

		if inbound == nil && s.outstanding.Load() == 0 {
			// Fully drained: no in-flight commands remain, so nothing can
			// send on completions anymore.
			close(s.completions)
			return
		}

		select {
		case <-s.ctx.Done():
			// Forced abort. Leave completions open: stragglers from the
			// device still send into its buffer, and the dispatch loop is
			// exiting on the same signal.
			s.log.Warn("submit loop aborted", "reason", s.ctx.Err())
			return
		case <-s.wake:
		case req, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			s.handleRequest(req)
		}
	}
}

func (s *Server) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Server) popFlush() *logicalRequest {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if len(s.flushQueue) == 0 {
		return nil
	}
	lr := s.flushQueue[0]
	s.flushQueue = s.flushQueue[1:]
	return lr
}

// enqueueFlush schedules the synthetic flush owed by a completed write
// chain. Called from the dispatch goroutine, which must never reserve a
// slot itself, so the flush is handed to the submit goroutine instead.
func (s *Server) enqueueFlush(x *txn.Txn, reqID ReqID, group GroupID) {
	lr := &logicalRequest{
		req: Request{
			Opcode: OpcodeFlush,
			ReqID:  reqID,
			Group:  group,
		},
		x:         x,
		remaining: 1,
		flushFor:  true,
	}
	s.metrics.RecordEmulatedFlush()
	s.outstanding.Add(1)

	s.flushMu.Lock()
	s.flushQueue = append(s.flushQueue, lr)
	s.flushMu.Unlock()
	s.signalWake()
}

func (s *Server) handleRequest(req Request) {
	grouped := req.Flags&(FlagGroupItem|FlagGroupLast) != 0

	if grouped && req.Group >= constants.MaxGroupCount {
		s.log.Warn("group id out of range", "reqid", uint32(req.ReqID), "group", uint16(req.Group))
		s.respond(Response{Status: StatusInvalidArgs, ReqID: req.ReqID, Group: req.Group, Count: 1})
		return
	}

	var x *txn.Txn
	if grouped {
		var err error
		x, err = s.tracker.AddEntry(uint16(req.Group), uint32(req.ReqID), req.Flags&FlagGroupLast != 0)
		if err != nil {
			s.log.WithGroup(uint16(req.Group)).Warn("entry after group last", "reqid", uint32(req.ReqID))
			s.respond(Response{Status: StatusInvalidArgs, ReqID: req.ReqID, Group: req.Group, Count: 1})
			return
		}
	}

	var buf []byte
	if st := s.validate(&req, &buf); !st.OK() {
		s.log.WithRequest(uint32(req.ReqID), req.Opcode.String()).Warn("request rejected", "status", st.String())
		s.finishEntry(&logicalRequest{req: req, x: x}, st)
		return
	}

	switch req.Opcode {
	case OpcodeCloseBuffer:
		st := s.detachBuffer(req.Buffer)
		s.finishEntry(&logicalRequest{req: req, x: x}, st)
		return
	case OpcodeFlush:
		lr := &logicalRequest{req: req, x: x, remaining: 1}
		s.outstanding.Add(1)
		s.submitPieces(lr, []Request{req}, nil)
		return
	}

	pieces := splitRequest(req, s.maxTransfer)
	if len(pieces) > 1 {
		s.observer.ObserveSplit(uint32(len(pieces)))
		s.metrics.RecordSplit(uint32(len(pieces)))
	}

	needsFlush := s.policy.apply(req, pieces)

	lr := &logicalRequest{req: req, x: x, remaining: len(pieces)}
	if needsFlush {
		if x != nil {
			s.tracker.MarkPendingFlush(x)
		} else {
			lr.postFlush = true
		}
	}

	s.outstanding.Add(1)
	s.submitPieces(lr, pieces, buf)
}

// validate checks a request against device geometry and attached buffers,
// and resolves the request's buffer for reads and writes.
func (s *Server) validate(req *Request, buf *[]byte) Status {
	switch req.Opcode {
	case OpcodeRead, OpcodeWrite:
		if req.Length == 0 {
			return StatusInvalidArgs
		}
		b := s.lookupBuffer(req.Buffer)
		if b == nil {
			return StatusInvalidArgs
		}
		if req.DevOffset >= s.info.BlockCount ||
			uint64(req.Length) > s.info.BlockCount-req.DevOffset {
			return StatusOutOfRange
		}
		bufBlocks := uint64(len(b)) / uint64(s.info.BlockSize)
		if req.BufferOffset >= bufBlocks ||
			uint64(req.Length) > bufBlocks-req.BufferOffset {
			return StatusOutOfRange
		}
		*buf = b
		return StatusOK
	case OpcodeFlush:
		return StatusOK
	case OpcodeCloseBuffer:
		return StatusOK
	default:
		return StatusInvalidArgs
	}
}

// submitPieces reserves one slot per piece and issues the commands in
// order. buf is nil for flush.
func (s *Server) submitPieces(lr *logicalRequest, pieces []Request, buf []byte) {
	for i := range pieces {
		p := &pieces[i]

		tag, err := s.reserveSlot()
		if err != nil {
			// Only a forced abort reaches here; the dispatch loop is
			// exiting with us, so accounting stops mattering.
			s.log.WithError(err).Warn("slot reservation aborted")
			return
		}

		cmd := Command{
			Opcode:    p.Opcode,
			Flags:     p.Flags & FlagForceAccess,
			Tag:       SlotTag(tag),
			DevOffset: p.DevOffset,
			Blocks:    p.Length,
		}
		if p.Opcode == OpcodeRead || p.Opcode == OpcodeWrite {
			off := p.BufferOffset * uint64(s.info.BlockSize)
			end := off + uint64(p.Length)*uint64(s.info.BlockSize)
			cmd.Data = buf[off:end:end]
		}

		if err := s.pool.Schedule(tag, encodeDescriptor(&cmd)); err != nil {
			s.pool.Release(tag)
			s.log.WithSlot(tag).WithError(err).Error("descriptor schedule failed")
			return
		}

		s.cmds[tag] = &inflightCommand{
			lr:     lr,
			opcode: cmd.Opcode,
			bytes:  uint64(cmd.Blocks) * uint64(s.info.BlockSize),
			start:  time.Now(),
		}

		done := func(status Status) {
			// Buffered to slot count and one completion per occupied
			// slot, so this send cannot block.
			s.completions <- slotCompletion{tag: tag, status: status}
		}
		if err := s.dev.Submit(&cmd, done); err != nil {
			s.log.WithSlot(tag).WithError(err).Error("device submit failed")
			done(StatusFromErr(err))
		}

		s.observer.ObserveQueueDepth(uint32(s.pool.InFlight()))
		s.metrics.RecordQueueDepth(uint32(s.pool.InFlight()))
	}
}

func (s *Server) submitFlush(lr *logicalRequest) {
	s.submitPieces(lr, []Request{lr.req}, nil)
}

// reserveSlot claims a slot, recording the wait when the pool was
// exhausted.
func (s *Server) reserveSlot() (uint16, error) {
	if tag, err := s.pool.TryReserve(); err == nil {
		return tag, nil
	}

	start := time.Now()
	tag, err := s.pool.Reserve(s.ctx)
	if err != nil {
		return 0, err
	}
	waitNs := uint64(time.Since(start).Nanoseconds())
	s.observer.ObserveSlotWait(waitNs)
	s.metrics.RecordSlotWait(waitNs)
	return tag, nil
}

func (s *Server) dispatchLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case c, ok := <-s.completions:
			if !ok {
				close(s.responses)
				return
			}
			s.handleCompletion(c)
		}
	}
}

func (s *Server) handleCompletion(c slotCompletion) {
	ic := s.cmds[c.tag]
	if ic == nil {
		s.log.WithSlot(c.tag).Error("completion for idle slot")
		return
	}
	s.cmds[c.tag] = nil
	s.pool.Release(c.tag)

	latencyNs := uint64(time.Since(ic.start).Nanoseconds())
	switch ic.opcode {
	case OpcodeRead:
		s.observer.ObserveRead(ic.bytes, latencyNs, c.status.OK())
		s.metrics.RecordRead(ic.bytes, latencyNs, c.status.OK())
	case OpcodeWrite:
		s.observer.ObserveWrite(ic.bytes, latencyNs, c.status.OK())
		s.metrics.RecordWrite(ic.bytes, latencyNs, c.status.OK())
	case OpcodeFlush:
		s.observer.ObserveFlush(latencyNs, c.status.OK())
		s.metrics.RecordFlush(latencyNs, c.status.OK())
	}

	lr := ic.lr
	if !c.status.OK() && lr.status.OK() {
		lr.status = c.status
	}
	lr.remaining--
	if lr.remaining > 0 {
		return
	}

	if lr.flushFor {
		s.finishFlush(lr)
	} else {
		s.finishEntry(lr, lr.status)
	}
	s.outstanding.Add(-1)
	s.signalWake()
}

// finishEntry retires one logical FIFO entry whose commands have all
// completed, routing grouped entries through the transaction tracker.
func (s *Server) finishEntry(lr *logicalRequest, st Status) {
	if lr.x != nil {
		out := s.tracker.EntryDone(lr.x, int32(st))
		if out.NeedFlush {
			s.enqueueFlush(lr.x, ReqID(out.ReqID), GroupID(out.Group))
			return
		}
		if out.Done {
			s.respond(Response{
				Status: Status(out.Status),
				ReqID:  ReqID(out.ReqID),
				Group:  GroupID(out.Group),
				Count:  out.Count,
			})
		}
		return
	}

	if lr.postFlush && st.OK() {
		s.enqueueFlush(nil, lr.req.ReqID, lr.req.Group)
		return
	}
	s.respond(Response{Status: st, ReqID: lr.req.ReqID, Group: lr.req.Group, Count: 1})
}

// finishFlush retires a synthetic flush and emits the response it was
// holding back.
func (s *Server) finishFlush(lr *logicalRequest) {
	if lr.x != nil {
		out := s.tracker.FlushDone(lr.x, int32(lr.status))
		s.respond(Response{
			Status: Status(out.Status),
			ReqID:  ReqID(out.ReqID),
			Group:  GroupID(out.Group),
			Count:  out.Count,
		})
		return
	}
	s.respond(Response{Status: lr.status, ReqID: lr.req.ReqID, Group: lr.req.Group, Count: 1})
}

func (s *Server) respond(resp Response) {
	s.responses <- resp
}
