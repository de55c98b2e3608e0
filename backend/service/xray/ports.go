package xray

import (
	"fmt"
	"net"
	"sync"
)

// PortPool 在配置的端口区间内分配本地监听端口。租约与节点一一对应，
// 释放前不会重复发放，宿主上已被其它程序占用的端口会被跳过。
type PortPool struct {
	mu     sync.Mutex
	start  int
	end    int
	leases map[int]string // port -> nodeID
	byNode map[string]int // nodeID -> port
	cursor int
}

func NewPortPool(start, end int) *PortPool {
	if start <= 0 || end < start {
		start, end = 10000, 20000
	}
	return &PortPool{
		start:  start,
		end:    end,
		leases: make(map[int]string),
		byNode: make(map[string]int),
		cursor: start,
	}
}

// SetRange 调整端口区间。已有租约不受影响，仅影响后续分配。
func (p *PortPool) SetRange(start, end int) {
	if start <= 0 || end < start {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.start, p.end = start, end
	if p.cursor < start || p.cursor > end {
		p.cursor = start
	}
}

// Lease 为节点分配端口。preferred > 0 时只尝试该端口，
// 被占用则返回 PortConflictError；否则从区间内顺序扫描。
func (p *PortPool) Lease(nodeID string, preferred int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port, ok := p.byNode[nodeID]; ok {
		return port, nil
	}

	if preferred > 0 {
		if holder, taken := p.leases[preferred]; taken {
			return 0, &PortConflictError{Port: preferred, HolderID: holder}
		}
		if !portFree(preferred) {
			return 0, &PortConflictError{Port: preferred}
		}
		p.grant(nodeID, preferred)
		return preferred, nil
	}

	span := p.end - p.start + 1
	for i := 0; i < span; i++ {
		port := p.cursor
		p.cursor++
		if p.cursor > p.end {
			p.cursor = p.start
		}
		if _, taken := p.leases[port]; taken {
			continue
		}
		if !portFree(port) {
			continue
		}
		p.grant(nodeID, port)
		return port, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", p.start, p.end)
}

// Release 归还节点的端口租约。无租约时为空操作。
func (p *PortPool) Release(nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if port, ok := p.byNode[nodeID]; ok {
		delete(p.leases, port)
		delete(p.byNode, nodeID)
	}
}

// Leases 返回当前租约的拷贝（port -> nodeID）。
func (p *PortPool) Leases() map[int]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]string, len(p.leases))
	for port, id := range p.leases {
		out[port] = id
	}
	return out
}

func (p *PortPool) grant(nodeID string, port int) {
	p.leases[port] = nodeID
	p.byNode[nodeID] = port
}

// portFree 试绑定判断宿主端口是否可用
func portFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
