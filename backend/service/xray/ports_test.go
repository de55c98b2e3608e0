package xray

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
)

func TestPortPool_ConcurrentLeasesAreDistinct(t *testing.T) {
	t.Parallel()

	pool := NewPortPool(42000, 42200)
	const workers = 32

	ports := make([]int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			port, err := pool.Lease(fmt.Sprintf("node-%d", i), 0)
			if err != nil {
				t.Errorf("lease node-%d: %v", i, err)
				return
			}
			ports[i] = port
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool, workers)
	for i, port := range ports {
		if port == 0 {
			continue
		}
		if seen[port] {
			t.Fatalf("port %d leased twice (worker %d)", port, i)
		}
		seen[port] = true
	}
}

func TestPortPool_SameNodeKeepsItsLease(t *testing.T) {
	t.Parallel()

	pool := NewPortPool(42300, 42400)
	first, err := pool.Lease("node-a", 0)
	if err != nil {
		t.Fatalf("first lease: %v", err)
	}
	second, err := pool.Lease("node-a", 0)
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if first != second {
		t.Fatalf("same node got different ports: %d vs %d", first, second)
	}
}

func TestPortPool_PreferredConflict(t *testing.T) {
	t.Parallel()

	pool := NewPortPool(42500, 42600)
	port, err := pool.Lease("node-a", 42510)
	if err != nil {
		t.Fatalf("lease preferred: %v", err)
	}
	if port != 42510 {
		t.Fatalf("expected preferred port 42510, got %d", port)
	}

	_, err = pool.Lease("node-b", 42510)
	var conflict *PortConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected PortConflictError, got %v", err)
	}
	if conflict.Port != 42510 || conflict.HolderID != "node-a" {
		t.Fatalf("unexpected conflict detail: %+v", conflict)
	}
}

func TestPortPool_PreferredTakenByHost(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	pool := NewPortPool(busy, busy+10)
	_, err = pool.Lease("node-a", busy)
	var conflict *PortConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected PortConflictError for host-occupied port, got %v", err)
	}
}

func TestPortPool_SkipsHostOccupiedPorts(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	pool := NewPortPool(busy, busy+10)
	port, err := pool.Lease("node-a", 0)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if port == busy {
		t.Fatalf("pool leased host-occupied port %d", busy)
	}
}

func TestPortPool_ReleaseRecyclesPort(t *testing.T) {
	t.Parallel()

	pool := NewPortPool(42700, 42700)
	port, err := pool.Lease("node-a", 0)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}

	if _, err := pool.Lease("node-b", 0); err == nil {
		t.Fatalf("expected exhausted pool to fail")
	}

	pool.Release("node-a")
	again, err := pool.Lease("node-b", 0)
	if err != nil {
		t.Fatalf("lease after release: %v", err)
	}
	if again != port {
		t.Fatalf("expected recycled port %d, got %d", port, again)
	}
}
