package memory

import (
	"context"
	"testing"

	"github.com/akasls/Xray-Multi-Port-Manager/backend/domain"
)

func TestNodeRepoReplaceNodesForSubscription_StableIDAndPreservesRuntime(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore(nil)
	repo := NewNodeRepo(store)

	nodes, err := repo.ReplaceNodesForSubscription(ctx, "sub1", []domain.Node{
		{Name: "n1", Protocol: domain.ProtocolVLESS, Address: "example.com", Port: 443},
	})
	if err != nil {
		t.Fatalf("ReplaceNodesForSubscription() error: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected 1 node, got %d", len(nodes))
	}
	id := nodes[0].ID
	if id == "" {
		t.Fatalf("expected node id to be set")
	}
	createdAt := nodes[0].CreatedAt

	if err := repo.UpdateLatency(ctx, id, 123, ""); err != nil {
		t.Fatalf("UpdateLatency() error: %v", err)
	}
	if err := repo.UpdateRunState(ctx, id, domain.NodeRunning, 10042); err != nil {
		t.Fatalf("UpdateRunState() error: %v", err)
	}

	nodes2, err := repo.ReplaceNodesForSubscription(ctx, "sub1", []domain.Node{
		{Name: "n1", Protocol: domain.ProtocolVLESS, Address: "example.com", Port: 443},
	})
	if err != nil {
		t.Fatalf("ReplaceNodesForSubscription() second error: %v", err)
	}
	if len(nodes2) != 1 {
		t.Fatalf("expected 1 node, got %d", len(nodes2))
	}
	if nodes2[0].ID != id {
		t.Fatalf("expected stable node id %q, got %q", id, nodes2[0].ID)
	}
	if !nodes2[0].CreatedAt.Equal(createdAt) {
		t.Fatalf("expected CreatedAt preserved, got %v vs %v", nodes2[0].CreatedAt, createdAt)
	}
	if nodes2[0].LastLatencyMS != 123 || nodes2[0].LastLatencyAt.IsZero() {
		t.Fatalf("expected latency preserved, got ms=%d at=%v", nodes2[0].LastLatencyMS, nodes2[0].LastLatencyAt)
	}
	if nodes2[0].State != domain.NodeRunning || nodes2[0].LocalPort != 10042 {
		t.Fatalf("expected run state preserved, got state=%v port=%d", nodes2[0].State, nodes2[0].LocalPort)
	}
}

func TestNodeRepoReplaceNodesForSubscription_PreservesUserRename(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore(nil)
	repo := NewNodeRepo(store)

	nodes, err := repo.ReplaceNodesForSubscription(ctx, "sub1", []domain.Node{
		{Name: "HK-01", Protocol: domain.ProtocolTrojan, Address: "example.com", Port: 443},
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	id := nodes[0].ID

	node := nodes[0]
	node.Name = "my favourite"
	if _, err := repo.Update(ctx, id, node); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	nodes2, err := repo.ReplaceNodesForSubscription(ctx, "sub1", []domain.Node{
		{Name: "HK-01", Protocol: domain.ProtocolTrojan, Address: "example.com", Port: 443},
	})
	if err != nil {
		t.Fatalf("replace second: %v", err)
	}
	if nodes2[0].Name != "my favourite" {
		t.Fatalf("expected rename preserved, got %q", nodes2[0].Name)
	}
}

func TestNodeRepoReplaceNodesForSubscription_RemovesMissingNodes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore(nil)
	repo := NewNodeRepo(store)

	if _, err := repo.ReplaceNodesForSubscription(ctx, "sub1", []domain.Node{
		{Name: "n1", Protocol: domain.ProtocolVLESS, Address: "example.com", Port: 443},
		{Name: "n2", Protocol: domain.ProtocolTrojan, Address: "example.net", Port: 443},
	}); err != nil {
		t.Fatalf("replace sub1: %v", err)
	}
	if _, err := repo.ReplaceNodesForSubscription(ctx, "sub2", []domain.Node{
		{Name: "m1", Protocol: domain.ProtocolVLESS, Address: "example.org", Port: 443},
	}); err != nil {
		t.Fatalf("replace sub2: %v", err)
	}

	if _, err := repo.ReplaceNodesForSubscription(ctx, "sub1", []domain.Node{
		{Name: "n1", Protocol: domain.ProtocolVLESS, Address: "example.com", Port: 443},
	}); err != nil {
		t.Fatalf("replace sub1 second: %v", err)
	}

	nodesSub1, err := repo.ListBySubscriptionID(ctx, "sub1")
	if err != nil {
		t.Fatalf("ListBySubscriptionID sub1: %v", err)
	}
	if len(nodesSub1) != 1 {
		t.Fatalf("expected sub1 nodes=1, got %d", len(nodesSub1))
	}

	nodesSub2, err := repo.ListBySubscriptionID(ctx, "sub2")
	if err != nil {
		t.Fatalf("ListBySubscriptionID sub2: %v", err)
	}
	if len(nodesSub2) != 1 {
		t.Fatalf("expected sub2 nodes=1, got %d", len(nodesSub2))
	}
}

func TestStableNodeID_DiffSubscriptionProducesDiffID(t *testing.T) {
	t.Parallel()

	n := domain.Node{Name: "n1", Protocol: domain.ProtocolVLESS, Address: "example.com", Port: 443}
	id1 := domain.StableNodeID("sub1", n)
	id2 := domain.StableNodeID("sub2", n)
	if id1 == "" || id2 == "" {
		t.Fatalf("expected stable ids to be non-empty")
	}
	if id1 == id2 {
		t.Fatalf("expected different subscription to produce different IDs, got %q", id1)
	}
}

func TestNodeRepoReplaceNodesForSubscription_NilSliceClearsOnlyThatSubscription(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore(nil)
	repo := NewNodeRepo(store)

	if _, err := repo.ReplaceNodesForSubscription(ctx, "sub1", []domain.Node{
		{Name: "n1", Protocol: domain.ProtocolVLESS, Address: "example.com", Port: 443},
		{Name: "n2", Protocol: domain.ProtocolTrojan, Address: "example.net", Port: 443},
	}); err != nil {
		t.Fatalf("replace sub1: %v", err)
	}
	if _, err := repo.ReplaceNodesForSubscription(ctx, "sub2", []domain.Node{
		{Name: "m1", Protocol: domain.ProtocolVLESS, Address: "example.org", Port: 443},
	}); err != nil {
		t.Fatalf("replace sub2: %v", err)
	}

	if _, err := repo.ReplaceNodesForSubscription(ctx, "sub1", domain.ClearNodes); err != nil {
		t.Fatalf("clear sub1: %v", err)
	}

	nodesSub1, err := repo.ListBySubscriptionID(ctx, "sub1")
	if err != nil {
		t.Fatalf("ListBySubscriptionID sub1: %v", err)
	}
	if len(nodesSub1) != 0 {
		t.Fatalf("expected sub1 nodes=0 after clear, got %d", len(nodesSub1))
	}

	nodesSub2, err := repo.ListBySubscriptionID(ctx, "sub2")
	if err != nil {
		t.Fatalf("ListBySubscriptionID sub2: %v", err)
	}
	if len(nodesSub2) != 1 {
		t.Fatalf("expected sub2 nodes=1, got %d", len(nodesSub2))
	}
}
