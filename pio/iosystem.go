package pio

import (
	"sync"

	"github.com/scidecomp/piorearrange/api"
	"github.com/scidecomp/piorearrange/comm"
	"github.com/scidecomp/piorearrange/control"
	"github.com/scidecomp/piorearrange/decomp"
	"github.com/scidecomp/piorearrange/dispatch"
	"github.com/scidecomp/piorearrange/filedriver"
	"github.com/scidecomp/piorearrange/iobuf"
)

// IoSystem is the facade over one iosystem's full stack: topology,
// decomposition registry, write buffer, open files, and (when async) the
// dispatch loop.
type IoSystem struct {
	ctx      *Context
	Comms    *comm.CommSet
	Decomps  *decomp.IoSystem
	Buffers  *iobuf.MultiBuffer
	Opts     api.FlowControlOptions
	Tunables control.Tunables

	mu    sync.Mutex
	files map[int]*File

	dispatcher *dispatch.Dispatcher
	frames     map[int]map[int]int // fileID -> varID -> current record frame
}

// InitSync builds a synchronous iosystem: numIOTasks drawn from
// compMembers at (base, stride).
func InitSync(world *comm.Group, absoluteSelf int, compMembers []int, numIOTasks, stride, base int) (*IoSystem, error) {
	cs, err := comm.InitSync(world, absoluteSelf, compMembers, numIOTasks, stride, base)
	if err != nil {
		return nil, err
	}
	return newIoSystem(cs), nil
}

// InitAsync builds the CommSet for one computational component of an
// async iosystem and returns a ready-to-use IoSystem to every rank,
// computational and I/O alike (spec.md §4.1). I/O ranks must call
// RunIoDispatchLoop on the returned IoSystem themselves — unlike a
// process-per-rank deployment, I/O ranks here are goroutines the caller
// already controls, so entering the dispatch loop is the caller's
// decision to make, not InitAsync's.
func InitAsync(world *comm.Group, absoluteSelf int, ioWorldRanks []int, compWorldRanksByComponent [][]int, registerHandlers func(*IoSystem)) ([]*IoSystem, error) {
	commSets, err := comm.InitAsync(world, absoluteSelf, ioWorldRanks, compWorldRanksByComponent)
	if err != nil {
		return nil, err
	}
	out := make([]*IoSystem, len(commSets))
	for i, cs := range commSets {
		if cs == nil {
			continue
		}
		ios := newIoSystem(cs)
		if registerHandlers != nil {
			registerHandlers(ios)
		}
		out[i] = ios
	}
	return out, nil
}

func newIoSystem(cs *comm.CommSet) *IoSystem {
	ctx := GetContext()
	ctx.registerIoSystem()
	tunables := ctx.Tunables().Snapshot()
	return &IoSystem{
		ctx:        ctx,
		Comms:      cs,
		Decomps:    decomp.NewIoSystem(cs),
		Buffers:    iobuf.NewMultiBuffer(tunables.MaxBufferBytes),
		Opts:       api.DefaultFlowControl(),
		Tunables:   tunables,
		files:      make(map[int]*File),
		dispatcher: dispatch.NewDispatcher(),
		frames:     make(map[int]map[int]int),
	}
}

// RunIoDispatchLoop runs the I/O-rank side of the async dispatch loop. Only
// meaningful when Comms.IsIoProc is set.
func (s *IoSystem) RunIoDispatchLoop() error {
	s.registerSetFrameHandler()
	return s.dispatcher.RunIoLoop(s.Comms)
}

// InitDecomp implements spec §4.5's init_decomp.
func (s *IoSystem) InitDecomp(dtype api.DataType, dimlen []int64, compmap []int64, rearranger api.RearrangerType) (int, error) {
	return s.Decomps.InitDecomp(dtype, dimlen, compmap, rearranger, s.Tunables.BlockGranularity, s.Tunables.MaxRegions)
}

// FreeDecomp implements spec §4.5's free_decomp.
func (s *IoSystem) FreeDecomp(ioid int) error {
	return s.Decomps.FreeDecomp(ioid)
}

// Finalize tears down the iosystem's registration with the library
// context; in async mode, the comp-side leader sends TagExit so the I/O
// dispatch loop returns.
func (s *IoSystem) Finalize() error {
	if s.Comms.IsAsync && s.Comms.IsCompProc {
		if _, err := dispatch.SendCall(s.Comms, dispatch.TagExit, nil, false); err != nil {
			return err
		}
	}
	s.ctx.unregisterIoSystem()
	return nil
}

func (s *IoSystem) nextFileID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := len(s.files) + 1
	for {
		if _, used := s.files[id]; !used {
			return id
		}
		id++
	}
}

// CreateFile opens drv for writing and registers it under a new file id.
func (s *IoSystem) CreateFile(drv filedriver.Driver, path string) (*File, error) {
	if err := drv.Create(path); err != nil {
		return nil, err
	}
	f := &File{id: s.nextFileID(), driver: drv, vars: make(map[int]*VarDesc)}
	s.mu.Lock()
	s.files[f.id] = f
	s.frames[f.id] = make(map[int]int)
	s.mu.Unlock()
	return f, nil
}
