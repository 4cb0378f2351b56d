package install

import (
	"strings"
	"testing"

	"github.com/typevps/engine/internal/record"
)

func TestCIDRFromMask(t *testing.T) {
	tests := []struct {
		address string
		mask    string
		want    string
	}{
		{"203.0.113.7", "255.255.255.0", "203.0.113.7/24"},
		{"10.0.0.1", "255.0.0.0", "10.0.0.1/8"},
		{"192.0.2.1", "255.255.255.255", "192.0.2.1/32"},
		{"192.0.2.1", "255.255.254.0", "192.0.2.1/23"},
		{"192.0.2.1", "0.0.0.0", "192.0.2.1/0"},
	}

	for _, tt := range tests {
		if got := cidrFromMask(tt.address, tt.mask); got != tt.want {
			t.Errorf("cidrFromMask(%s, %s) = %s, want %s", tt.address, tt.mask, got, tt.want)
		}
	}
}

func TestVMDescription(t *testing.T) {
	desc := vmDescription(record.VirtualMachine{
		ID:          "vm1",
		Name:        "web-1",
		CPUCores:    2,
		RAMBytes:    4 << 30,
		DiskBytes:   50 << 30,
		PrimaryIPv4: "203.0.113.7",
	})

	for _, want := range []string{
		"* TYPEVPS_VMID=vm1",
		"* TYPEVPS_VM_NAME=web-1",
		"* TYPEVPS_VM_CPU=2",
		"* TYPEVPS_VM_IPV4=203.0.113.7",
		"* TYPEVPS_VM_IPV6=NULL",
	} {
		if !strings.Contains(desc, want) {
			t.Errorf("description missing %q:\n%s", want, desc)
		}
	}
}
