package pio

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/scidecomp/piorearrange/api"
	"github.com/scidecomp/piorearrange/comm"
	"github.com/scidecomp/piorearrange/decomp"
	"github.com/scidecomp/piorearrange/filedriver"
)

func encodeInt32(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

func decodeInt32(b []byte) int32 {
	return int32(binary.LittleEndian.Uint32(b))
}

// buildSyncSystems wires n ranks (numIO drawn from the tail) into one
// synchronous iosystem, one *IoSystem per rank.
func buildSyncSystems(t *testing.T, n, numIO int) []*IoSystem {
	t.Helper()
	g := comm.NewGroup(n)
	members := make([]int, n)
	for i := range members {
		members[i] = i
	}
	out := make([]*IoSystem, n)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for abs := 0; abs < n; abs++ {
		abs := abs
		wg.Add(1)
		go func() {
			defer wg.Done()
			ios, err := InitSync(g, abs, members, numIO, 1, n-numIO)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				t.Errorf("InitSync(%d): %v", abs, err)
				return
			}
			out[abs] = ios
		}()
	}
	wg.Wait()
	return out
}

// writeCycle drives InitDecomp + CreateFile/DefVar + PutDarray + CloseFile
// collectively across every rank's IoSystem and returns the driver that
// holds the written bytes, keyed by any one rank (they share no driver
// state, so the caller picks the io rank's driver to read back from).
func writeCycle(t *testing.T, systems []*IoSystem, dimlen []int64, compmaps map[int][]int64, rearranger api.RearrangerType, values map[int]int32) (drivers []*filedriver.MemDriver, varID int) {
	t.Helper()
	n := len(systems)
	drivers = make([]*filedriver.MemDriver, n)
	ioids := make([]int, n)
	descs := make([]*decomp.IoDesc, n)
	varIDs := make([]int, n)

	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			ios := systems[r]
			ioid, err := ios.InitDecomp(api.Int, dimlen, compmaps[r], rearranger)
			if err != nil {
				t.Errorf("InitDecomp(%d): %v", r, err)
				return
			}
			ioids[r] = ioid
			desc, err := ios.Decomps.Lookup(ioid)
			if err != nil {
				t.Errorf("Lookup(%d): %v", r, err)
				return
			}
			descs[r] = desc

			drv := filedriver.NewMemDriver()
			drivers[r] = drv
			if err := drv.Create("out.nc"); err != nil {
				t.Errorf("Create(%d): %v", r, err)
				return
			}
			f, err := ios.CreateFile(drv, "out.nc")
			if err != nil {
				t.Errorf("CreateFile(%d): %v", r, err)
				return
			}
			dimIDs := make([]int, len(dimlen))
			for d, l := range dimlen {
				dimIDs[d], err = drv.DefDim("dim", l)
				if err != nil {
					t.Errorf("DefDim(%d): %v", r, err)
					return
				}
			}
			vd, err := f.DefVar("v", api.Int, dimIDs, false)
			if err != nil {
				t.Errorf("DefVar(%d): %v", r, err)
				return
			}
			varIDs[r] = vd.ID
			if err := f.EndDefMode(); err != nil {
				t.Errorf("EndDefMode(%d): %v", r, err)
				return
			}

			ndof := desc.LocalSize()
			buf := make([]byte, ndof*4)
			val := values[r]
			for i := 0; i < ndof; i++ {
				copy(buf[i*4:], encodeInt32(val))
			}
			if err := ios.PutDarray(f, vd, desc, buf, true); err != nil {
				t.Errorf("PutDarray(%d): %v", r, err)
				return
			}
			if err := ios.CloseFile(f, map[int]*decomp.IoDesc{ioid: desc}); err != nil {
				t.Errorf("CloseFile(%d): %v", r, err)
			}
		}()
	}
	wg.Wait()
	return drivers, varIDs[0]
}

// cyclicMap builds a 1-based stride-nComp compmap for rank within [0,nComp).
func cyclicMap(rank, nComp, total int) []int64 {
	var m []int64
	for g := rank; g < total; g += nComp {
		m = append(m, int64(g+1))
	}
	return m
}

// blockMap builds a 1-based contiguous block compmap for rank within
// [0,nComp), already in ascending order (no sort required).
func blockMap(rank, nComp, total int) []int64 {
	per := total / nComp
	var m []int64
	for g := rank * per; g < (rank+1)*per; g++ {
		m = append(m, int64(g+1))
	}
	return m
}

// TestCyclicBoxWriteRoundTrip is scenario S1: a 1-D cyclic distribution
// across the comp ranks, written with the box rearranger, read back through
// the io rank's own driver and checked element by element.
func TestCyclicBoxWriteRoundTrip(t *testing.T) {
	n, numIO, total := 4, 1, 12
	systems := buildSyncSystems(t, n, numIO)
	compmaps := make(map[int][]int64)
	values := make(map[int]int32)
	for r := 0; r < n-numIO; r++ {
		compmaps[r] = cyclicMap(r, n-numIO, total)
		values[r] = int32(200 + r)
	}

	drivers, varID := writeCycle(t, systems, []int64{int64(total)}, compmaps, api.Box, values)

	ioDrv := drivers[n-numIO] // first io rank
	out, err := ioDrv.ReadHyperslab(varID, api.Region{Start: []int64{0}, Count: []int64{int64(total)}})
	if err != nil {
		t.Fatalf("ReadHyperslab: %v", err)
	}
	for g := 0; g < total; g++ {
		owner := g % (n - numIO)
		want := int32(200 + owner)
		got := decodeInt32(out[g*4 : g*4+4])
		if got != want {
			t.Errorf("position %d: got %d, want %d", g, got, want)
		}
	}
}

// TestBlockWriteNoSort is scenario S2: a contiguous block distribution
// whose compmap is already ascending, so no sort should be required.
func TestBlockWriteNoSort(t *testing.T) {
	n, numIO, total := 4, 1, 12
	systems := buildSyncSystems(t, n, numIO)
	compmaps := make(map[int][]int64)
	values := make(map[int]int32)
	for r := 0; r < n-numIO; r++ {
		compmaps[r] = blockMap(r, n-numIO, total)
		values[r] = int32(300 + r)
	}

	var wg sync.WaitGroup
	descs := make([]*decomp.IoDesc, n)
	for r := 0; r < n-numIO; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			ioid, err := systems[r].InitDecomp(api.Int, []int64{int64(total)}, compmaps[r], api.Box)
			if err != nil {
				t.Errorf("InitDecomp(%d): %v", r, err)
				return
			}
			desc, err := systems[r].Decomps.Lookup(ioid)
			if err != nil {
				t.Errorf("Lookup(%d): %v", r, err)
				return
			}
			descs[r] = desc
		}()
	}
	for r := n - numIO; r < n; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := systems[r].InitDecomp(api.Int, []int64{int64(total)}, nil, api.Box); err != nil {
				t.Errorf("InitDecomp(io %d): %v", r, err)
			}
		}()
	}
	wg.Wait()

	for r := 0; r < n-numIO; r++ {
		if descs[r].NeedsSort {
			t.Errorf("rank %d: block compmap should not require sorting", r)
		}
	}
}

// TestHoleFilling is scenario S3: only a subset of the comp ranks
// contribute data, leaving holes the io rank must fill with the type's
// default fill value.
func TestHoleFilling(t *testing.T) {
	n, numIO, total := 3, 1, 12
	systems := buildSyncSystems(t, n, numIO)
	compmaps := map[int][]int64{
		0: cyclicMap(0, 2, total), // rank 0 covers the even positions only; rank 1 is silent
	}
	values := map[int]int32{0: 77}

	// rank 1 (the other comp rank) participates with an empty compmap.
	compmaps[1] = nil

	drivers, varID := writeCycle(t, systems, []int64{int64(total)}, compmaps, api.Box, values)

	ioDrv := drivers[numIOStartIndex(n, numIO)]
	out, err := ioDrv.ReadHyperslab(varID, api.Region{Start: []int64{0}, Count: []int64{int64(total)}})
	if err != nil {
		t.Fatalf("ReadHyperslab: %v", err)
	}
	fill := decodeInt32(api.EncodeScalar(api.Int.DefaultFill(), 4))
	for g := 0; g < total; g++ {
		got := decodeInt32(out[g*4 : g*4+4])
		if got != 77 && got != fill {
			t.Errorf("position %d: got %d, want 77 or fill %d", g, got, fill)
		}
	}
}

func numIOStartIndex(n, numIO int) int { return n - numIO }

// TestReadOnlyDuplicateDetection is scenario S4: a compmap containing a
// duplicate element must mark the decomposition read-only on every rank.
func TestReadOnlyDuplicateDetection(t *testing.T) {
	n, numIO := 2, 1
	systems := buildSyncSystems(t, n, numIO)

	var wg sync.WaitGroup
	var descA, descB *decomp.IoDesc
	wg.Add(2)
	go func() {
		defer wg.Done()
		ioid, err := systems[0].InitDecomp(api.Int, []int64{8}, []int64{2, 1, 1, 0}, api.Box)
		if err != nil {
			t.Errorf("InitDecomp(comp): %v", err)
			return
		}
		descA, err = systems[0].Decomps.Lookup(ioid)
		if err != nil {
			t.Errorf("Lookup(comp): %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		ioid, err := systems[1].InitDecomp(api.Int, []int64{8}, nil, api.Box)
		if err != nil {
			t.Errorf("InitDecomp(io): %v", err)
			return
		}
		descB, err = systems[1].Decomps.Lookup(ioid)
		if err != nil {
			t.Errorf("Lookup(io): %v", err)
		}
	}()
	wg.Wait()

	if descA == nil || descB == nil {
		t.Fatal("decompositions were not registered")
	}
	if !descA.ReadOnly || !descB.ReadOnly {
		t.Errorf("expected both ranks' descriptors to be read-only: comp=%v io=%v", descA.ReadOnly, descB.ReadOnly)
	}
}

// TestOutOfOrderCompmapRoundTrip exercises the sort/remap bookkeeping (spec
// §3/§8 property 2): a comp rank whose per-rank compmap is genuinely out of
// order must still have each of its buffer elements land at (and come back
// from) the right global position, not the position its sorted-map index
// would suggest.
func TestOutOfOrderCompmapRoundTrip(t *testing.T) {
	n, numIO, total := 2, 1, 8
	systems := buildSyncSystems(t, n, numIO)

	// Deliberately unsorted: local index 0 -> global 6, index 1 -> global
	// 0, index 2 -> global 3.
	compmap := []int64{7, 1, 4}

	var wg sync.WaitGroup
	var desc, ioDesc *decomp.IoDesc
	wg.Add(2)
	go func() {
		defer wg.Done()
		ioid, err := systems[0].InitDecomp(api.Int, []int64{int64(total)}, compmap, api.Box)
		if err != nil {
			t.Errorf("InitDecomp(comp): %v", err)
			return
		}
		desc, err = systems[0].Decomps.Lookup(ioid)
		if err != nil {
			t.Errorf("Lookup(comp): %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		ioid, err := systems[1].InitDecomp(api.Int, []int64{int64(total)}, nil, api.Box)
		if err != nil {
			t.Errorf("InitDecomp(io): %v", err)
			return
		}
		ioDesc, err = systems[1].Decomps.Lookup(ioid)
		if err != nil {
			t.Errorf("Lookup(io): %v", err)
		}
	}()
	wg.Wait()

	if desc == nil || ioDesc == nil {
		t.Fatal("decomposition was not registered")
	}
	if !desc.NeedsSort {
		t.Fatal("compmap {7,1,4} should require sorting")
	}

	compDrv := filedriver.NewMemDriver()
	ioDrv := filedriver.NewMemDriver()
	var compFile, ioFile *File
	var compVar, ioVar *VarDesc
	for i, pair := range []struct {
		drv *filedriver.MemDriver
		sys *IoSystem
		f   **File
		vd  **VarDesc
	}{
		{compDrv, systems[0], &compFile, &compVar},
		{ioDrv, systems[1], &ioFile, &ioVar},
	} {
		if err := pair.drv.Create("rt.nc"); err != nil {
			t.Fatalf("Create(%d): %v", i, err)
		}
		f, err := pair.sys.CreateFile(pair.drv, "rt.nc")
		if err != nil {
			t.Fatalf("CreateFile(%d): %v", i, err)
		}
		dimID, err := pair.drv.DefDim("x", int64(total))
		if err != nil {
			t.Fatalf("DefDim(%d): %v", i, err)
		}
		vd, err := f.DefVar("v", api.Int, []int{dimID}, false)
		if err != nil {
			t.Fatalf("DefVar(%d): %v", i, err)
		}
		if err := f.EndDefMode(); err != nil {
			t.Fatalf("EndDefMode(%d): %v", i, err)
		}
		*pair.f = f
		*pair.vd = vd
	}

	writeBuf := make([]byte, 3*4)
	copy(writeBuf[0:], encodeInt32(1000))
	copy(writeBuf[4:], encodeInt32(1001))
	copy(writeBuf[8:], encodeInt32(1002))

	// PutDarray's flush is a collective swap-many round over the full union
	// comm: the io rank must participate with its own (empty-buffer)
	// PutDarray call alongside the comp rank's.
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := systems[0].PutDarray(compFile, compVar, desc, writeBuf, true); err != nil {
			t.Errorf("PutDarray(comp): %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := systems[1].PutDarray(ioFile, ioVar, ioDesc, nil, true); err != nil {
			t.Errorf("PutDarray(io): %v", err)
		}
	}()
	wg.Wait()

	out, err := ioDrv.ReadHyperslab(ioVar.ID, api.Region{Start: []int64{0}, Count: []int64{int64(total)}})
	if err != nil {
		t.Fatalf("ReadHyperslab: %v", err)
	}
	wantByGlobalPos := map[int]int32{6: 1000, 0: 1001, 3: 1002}
	fill := decodeInt32(api.EncodeScalar(api.Int.DefaultFill(), 4))
	for g := 0; g < total; g++ {
		got := decodeInt32(out[g*4 : g*4+4])
		if want, ok := wantByGlobalPos[g]; ok {
			if got != want {
				t.Errorf("global position %d: got %d, want %d", g, got, want)
			}
		} else if got != fill {
			t.Errorf("global position %d: got %d, want fill %d", g, got, fill)
		}
	}

	readBuf := make([]byte, 3*4)
	var rwg sync.WaitGroup
	rwg.Add(2)
	go func() {
		defer rwg.Done()
		if err := systems[0].GetDarray(compFile, compVar, desc, readBuf); err != nil {
			t.Errorf("GetDarray(comp): %v", err)
		}
	}()
	go func() {
		defer rwg.Done()
		var dummy []byte
		if err := systems[1].GetDarray(ioFile, ioVar, ioDesc, dummy); err != nil {
			t.Errorf("GetDarray(io): %v", err)
		}
	}()
	rwg.Wait()

	if got := decodeInt32(readBuf[0:4]); got != 1000 {
		t.Errorf("readBuf[0] = %d, want 1000", got)
	}
	if got := decodeInt32(readBuf[4:8]); got != 1001 {
		t.Errorf("readBuf[1] = %d, want 1001", got)
	}
	if got := decodeInt32(readBuf[8:12]); got != 1002 {
		t.Errorf("readBuf[2] = %d, want 1002", got)
	}
}

// TestBoxSubsetEquivalence is scenario S5: box and subset rearrangers must
// produce byte-identical file contents for the same decomposition.
func TestBoxSubsetEquivalence(t *testing.T) {
	n, numIO, total := 4, 2, 16
	compmaps := make(map[int][]int64)
	values := make(map[int]int32)
	for r := 0; r < n-numIO; r++ {
		var m []int64
		for g := r; g < total; g += n - numIO {
			if (g+1)%5 == 0 {
				continue // leave holes for both rearrangers to fill identically
			}
			m = append(m, int64(g+1))
		}
		compmaps[r] = m
		values[r] = int32(400 + r)
	}

	boxSystems := buildSyncSystems(t, n, numIO)
	boxDrivers, boxVar := writeCycle(t, boxSystems, []int64{int64(total)}, compmaps, api.Box, values)

	subsetSystems := buildSyncSystems(t, n, numIO)
	subsetDrivers, subsetVar := writeCycle(t, subsetSystems, []int64{int64(total)}, compmaps, api.Subset, values)

	// Each io rank's driver holds only that rank's writes (the two
	// rearrangers route data to different io ranks), and positions a driver
	// never wrote read back as the fill value. The file is the union of the
	// io ranks' writes, so assemble it position by position for each
	// rearranger before comparing.
	fill := decodeInt32(api.EncodeScalar(api.Int.DefaultFill(), 4))
	boxFile := make([]int32, total)
	subsetFile := make([]int32, total)
	for g := 0; g < total; g++ {
		boxFile[g], subsetFile[g] = fill, fill
	}
	for r := n - numIO; r < n; r++ {
		boxOut, err := boxDrivers[r].ReadHyperslab(boxVar, api.Region{Start: []int64{0}, Count: []int64{int64(total)}})
		if err != nil {
			t.Fatalf("box ReadHyperslab(%d): %v", r, err)
		}
		subsetOut, err := subsetDrivers[r].ReadHyperslab(subsetVar, api.Region{Start: []int64{0}, Count: []int64{int64(total)}})
		if err != nil {
			t.Fatalf("subset ReadHyperslab(%d): %v", r, err)
		}
		for g := 0; g < total; g++ {
			if b := decodeInt32(boxOut[g*4 : g*4+4]); b != fill {
				boxFile[g] = b
			}
			if s := decodeInt32(subsetOut[g*4 : g*4+4]); s != fill {
				subsetFile[g] = s
			}
		}
	}
	for g := 0; g < total; g++ {
		if boxFile[g] != subsetFile[g] {
			t.Errorf("position %d: box=%d subset=%d", g, boxFile[g], subsetFile[g])
		}
	}
}

// TestAsyncSetFrameRoundTrip is scenario S6: the comp leader's SetFrame
// call is relayed through the dispatcher to the io ranks, which must
// observe the new frame before Finalize unblocks their dispatch loop.
func TestAsyncSetFrameRoundTrip(t *testing.T) {
	world := comm.NewGroup(3)
	ioRanks := []int{2}
	compRanks := [][]int{{0, 1}}

	systems := make([]*IoSystem, 3)
	var wg sync.WaitGroup
	for _, abs := range []int{0, 1, 2} {
		abs := abs
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := InitAsync(world, abs, ioRanks, compRanks, nil)
			if err != nil {
				t.Errorf("InitAsync(%d): %v", abs, err)
				return
			}
			systems[abs] = out[0]
		}()
	}
	wg.Wait()

	ioSys := systems[2]
	var ioErr error
	var ioWg sync.WaitGroup
	ioWg.Add(1)
	go func() {
		defer ioWg.Done()
		ioErr = ioSys.RunIoDispatchLoop()
	}()

	const fileID, varID, frame = 1, 7, 42
	var cwg sync.WaitGroup
	for _, abs := range []int{0, 1} {
		abs := abs
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			if err := systems[abs].SetFrame(fileID, varID, frame); err != nil {
				t.Errorf("SetFrame(%d): %v", abs, err)
			}
		}()
	}
	cwg.Wait()

	for _, abs := range []int{0, 1} {
		if err := systems[abs].Finalize(); err != nil {
			t.Errorf("Finalize(%d): %v", abs, err)
		}
	}
	ioWg.Wait()
	if ioErr != nil {
		t.Errorf("RunIoDispatchLoop: %v", ioErr)
	}

	if got := ioSys.currentFrame(fileID, varID); got != frame {
		t.Errorf("io rank observed frame %d, want %d", got, frame)
	}
}
