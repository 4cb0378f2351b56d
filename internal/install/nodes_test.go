package install

import (
	"context"
	"testing"

	"github.com/typevps/engine/internal/hypervisor"
)

func TestAllocateVMID(t *testing.T) {
	tests := []struct {
		name  string
		taken []int
		want  int
	}{
		{name: "empty cluster", taken: nil, want: 100},
		{name: "contiguous", taken: []int{100, 101, 102}, want: 103},
		{name: "gap is reused", taken: []int{100, 102}, want: 101},
		{name: "reserved ids ignored", taken: []int{1, 50, 99}, want: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hv := newMockHV()
			for _, id := range tt.taken {
				hv.resources = append(hv.resources, hypervisor.Resource{VMID: id})
			}

			got, err := allocateVMID(context.Background(), hv)
			if err != nil {
				t.Fatalf("allocateVMID() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("allocateVMID() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStaticSelector(t *testing.T) {
	node, err := StaticSelector{Node: "node1"}.SelectNode(context.Background(), NodeRequest{})
	if err != nil {
		t.Fatalf("SelectNode() error = %v", err)
	}
	if node != "node1" {
		t.Errorf("SelectNode() = %q, want node1", node)
	}

	if _, err := (StaticSelector{}).SelectNode(context.Background(), NodeRequest{}); err == nil {
		t.Error("SelectNode() with no node configured: error = nil, want error")
	}
}
